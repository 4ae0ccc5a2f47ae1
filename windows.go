package tasksync

import (
	"context"
	"errors"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
)

// conversationOpener establishes and releases the message subscription of a
// conversation.
type conversationOpener interface {
	Open(ctx context.Context, conversationID string) error
	// Resume runs when a minimized conversation is shown again.
	Resume(ctx context.Context, conversationID string) error
	Close(conversationID string)
}

// WindowState is where a conversation currently lives.
type WindowState string

const (
	WindowClosed    WindowState = "closed"
	WindowActive    WindowState = "active"
	WindowMinimized WindowState = "minimized"
)

// Windows tracks open chat windows: at most maxActive rendered ("active")
// conversations plus any number of minimized ones. Every open window keeps
// its message subscription live.
type Windows struct {
	opener    conversationOpener
	maxActive int
	log       zerolog.Logger

	mu        sync.Mutex
	active    []string // oldest activation first
	minimized mapset.Set[string]
	selected  string
}

// NewWindows creates a window manager. maxActive below 1 is treated as 1.
func NewWindows(opener conversationOpener, maxActive int, log zerolog.Logger) *Windows {
	if maxActive < 1 {
		maxActive = 1
	}
	return &Windows{
		opener:    opener,
		maxActive: maxActive,
		log:       log.With().Str("component", "windows").Logger(),
		minimized: mapset.NewThreadUnsafeSet[string](),
	}
}

// Open activates a conversation and selects it. A closed conversation has
// its subscription established; if the active set is full, the least
// recently activated window is minimized first. A minimized conversation is
// promoted and marked read, since it kept receiving messages while hidden.
// When the subscription fails the window stays open without live updates and
// the error is returned. A window closed while its subscription is still
// being established stays closed and holds no channel.
func (w *Windows) Open(ctx context.Context, conversationID string) error {
	w.mu.Lock()
	switch w.stateLocked(conversationID) {
	case WindowActive:
		w.selected = conversationID
		w.mu.Unlock()
		return nil
	case WindowMinimized:
		w.minimized.Remove(conversationID)
		w.activateLocked(conversationID)
		w.mu.Unlock()
		return w.opener.Resume(ctx, conversationID)
	}
	w.activateLocked(conversationID)
	w.mu.Unlock()

	err := w.opener.Open(ctx, conversationID)

	w.mu.Lock()
	closed := w.stateLocked(conversationID) == WindowClosed
	w.mu.Unlock()
	if closed {
		if err == nil {
			w.opener.Close(conversationID)
		}
		w.log.Debug().Str("conversation", conversationID).Msg("window closed while opening")
		return nil
	}
	if errors.Is(err, ErrSubscriptionCancelled) {
		// Superseded by a newer open of the same conversation.
		return nil
	}
	if err != nil {
		w.log.Warn().Err(err).Str("conversation", conversationID).Msg("window opened without live updates")
		return err
	}
	return nil
}

// Minimize hides an active conversation. Its subscription stays live.
func (w *Windows) Minimize(conversationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	i := slices.Index(w.active, conversationID)
	if i < 0 {
		return
	}
	w.active = slices.Delete(w.active, i, i+1)
	w.minimized.Add(conversationID)
	if w.selected == conversationID {
		w.selected = w.lastActiveLocked()
	}
}

// Close removes a conversation from whichever partition holds it and
// releases its subscription.
func (w *Windows) Close(conversationID string) {
	w.mu.Lock()
	state := w.stateLocked(conversationID)
	if state == WindowClosed {
		w.mu.Unlock()
		return
	}
	if i := slices.Index(w.active, conversationID); i >= 0 {
		w.active = slices.Delete(w.active, i, i+1)
	}
	w.minimized.Remove(conversationID)
	if w.selected == conversationID {
		w.selected = w.lastActiveLocked()
	}
	w.mu.Unlock()

	w.opener.Close(conversationID)
}

// CloseAll closes every window.
func (w *Windows) CloseAll() {
	w.mu.Lock()
	ids := append(slices.Clone(w.active), w.minimized.ToSlice()...)
	w.active = nil
	w.minimized.Clear()
	w.selected = ""
	w.mu.Unlock()

	for _, id := range ids {
		w.opener.Close(id)
	}
}

// Focus selects an active conversation without changing activation order.
func (w *Windows) Focus(conversationID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !slices.Contains(w.active, conversationID) {
		return false
	}
	w.selected = conversationID
	return true
}

// Active returns the active conversations, oldest activation first.
func (w *Windows) Active() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.active)
}

// Minimized returns the minimized conversations, sorted.
func (w *Windows) Minimized() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := w.minimized.ToSlice()
	slices.Sort(ids)
	return ids
}

// Selected returns the selected conversation, or "".
func (w *Windows) Selected() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selected
}

// State reports where conversationID lives.
func (w *Windows) State(conversationID string) WindowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stateLocked(conversationID)
}

func (w *Windows) stateLocked(id string) WindowState {
	switch {
	case slices.Contains(w.active, id):
		return WindowActive
	case w.minimized.Contains(id):
		return WindowMinimized
	}
	return WindowClosed
}

// activateLocked appends id as the most recently activated window, evicting
// the oldest one to minimized when full.
func (w *Windows) activateLocked(id string) {
	for len(w.active) >= w.maxActive {
		evicted := w.active[0]
		w.active = w.active[1:]
		w.minimized.Add(evicted)
		w.log.Debug().Str("conversation", evicted).Msg("window evicted to minimized")
	}
	w.active = append(w.active, id)
	w.selected = id
}

func (w *Windows) lastActiveLocked() string {
	if len(w.active) == 0 {
		return ""
	}
	return w.active[len(w.active)-1]
}
