package tasksync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SubscribeOptions configures one Subscription Key.
type SubscribeOptions struct {
	// Filter scopes the push channel.
	Filter Filter
	// Fetch loads the canonical collection for the key. Required.
	Fetch func(ctx context.Context) (any, error)
	// OnChange receives every canonical collection that survives the
	// ordering guard. Required.
	OnChange func(any)
	// OnError is called once a run of consecutive refetch failures reaches
	// the registry threshold.
	OnError func(err error, failures int)
}

// Handle identifies the channel the registry holds for a key.
type Handle struct {
	Key    Key
	Filter Filter
	Gen    uint64
}

type entry struct {
	key     Key
	handle  *Handle
	channel Channel
	opts    SubscribeOptions

	// guarded by Registry.mu
	handlers Handlers
	seq      uint64
	failures int
	closed   bool

	// serializes OnChange so an older result can never land after a newer one
	applyMu sync.Mutex
}

// Registry owns at most one live push channel per Subscription Key and
// turns every notification into a canonical refetch.
type Registry struct {
	transport PushTransport
	log       zerolog.Logger
	events    *emitter
	threshold int
	timeout   time.Duration

	mu      sync.Mutex
	entries map[Key]*entry
	// subscriptions whose channel is still opening
	opening map[Key]*entry
	gen     uint64

	inflight sync.WaitGroup
}

// RegistryOptions tunes refetch behaviour.
type RegistryOptions struct {
	// RefetchErrorThreshold is the number of consecutive refetch failures
	// after which OnError fires. Defaults to 3.
	RefetchErrorThreshold int
	// RefetchTimeout bounds one push-triggered refetch. Defaults to 15s.
	RefetchTimeout time.Duration
}

// NewRegistry creates a registry that opens channels on transport.
func NewRegistry(transport PushTransport, log zerolog.Logger, opts RegistryOptions) *Registry {
	if opts.RefetchErrorThreshold <= 0 {
		opts.RefetchErrorThreshold = 3
	}
	if opts.RefetchTimeout <= 0 {
		opts.RefetchTimeout = 15 * time.Second
	}
	return &Registry{
		transport: transport,
		log:       log.With().Str("component", "registry").Logger(),
		events:    &emitter{},
		threshold: opts.RefetchErrorThreshold,
		timeout:   opts.RefetchTimeout,
		entries:   make(map[Key]*entry),
		opening:   make(map[Key]*entry),
	}
}

// Subscribe opens a push channel for key. An existing channel for the same
// key is torn down first, so there is never more than one. If the key is
// unsubscribed, or subscribed again, while the channel is opening, the new
// channel is closed and ErrSubscriptionCancelled is returned.
func (r *Registry) Subscribe(ctx context.Context, key Key, opts SubscribeOptions) (*Handle, error) {
	if opts.Fetch == nil || opts.OnChange == nil {
		return nil, errors.New("subscribe: Fetch and OnChange are required")
	}

	r.teardown(key)

	r.mu.Lock()
	r.gen++
	e := &entry{
		key:    key,
		handle: &Handle{Key: key, Filter: opts.Filter, Gen: r.gen},
		opts:   opts,
	}
	if o := r.opening[key]; o != nil {
		o.closed = true
	}
	r.opening[key] = e
	r.mu.Unlock()

	ch, err := r.transport.OpenChannel(ctx, opts.Filter, func(n ChangeEvent) {
		r.notify(e, n)
	})

	r.mu.Lock()
	if r.opening[key] == e {
		delete(r.opening, key)
	}
	if err != nil {
		r.mu.Unlock()
		r.log.Warn().Err(err).Stringer("key", key).Msg("subscription setup failed, no live updates")
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	if e.closed {
		r.mu.Unlock()
		if cerr := ch.Close(); cerr != nil {
			r.log.Warn().Err(cerr).Stringer("key", key).Msg("channel close failed")
		}
		r.log.Debug().Stringer("key", key).Uint64("gen", e.handle.Gen).Msg("subscription cancelled while opening")
		return nil, fmt.Errorf("subscribe %s: %w", key, ErrSubscriptionCancelled)
	}
	e.channel = ch
	prev := r.entries[key]
	r.entries[key] = e
	if prev != nil {
		prev.closed = true
	}
	r.mu.Unlock()

	// A concurrent Subscribe for the same key may have won the race to open.
	if prev != nil {
		r.closeChannel(prev)
	}
	r.log.Debug().Stringer("key", key).Uint64("gen", e.handle.Gen).Msg("subscribed")
	return e.handle, nil
}

// Unsubscribe closes the channel for key. It is a no-op when none exists.
func (r *Registry) Unsubscribe(key Key) {
	if r.teardown(key) {
		r.log.Debug().Stringer("key", key).Msg("unsubscribed")
	}
}

// UnsubscribeAll closes every live channel.
func (r *Registry) UnsubscribeAll() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		e.closed = true
		entries = append(entries, e)
	}
	r.entries = make(map[Key]*entry)
	for _, e := range r.opening {
		e.closed = true
	}
	r.opening = make(map[Key]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		r.closeChannel(e)
	}
	r.log.Debug().Int("count", len(entries)).Msg("unsubscribed all")
}

// Refresh refetches key synchronously through the same ordering guard as a
// push-triggered refetch.
func (r *Registry) Refresh(ctx context.Context, key Key) error {
	r.mu.Lock()
	e := r.entries[key]
	if e == nil {
		r.mu.Unlock()
		return ErrNotSubscribed
	}
	e.seq++
	seq := e.seq
	r.mu.Unlock()

	v, err := e.opts.Fetch(ctx)
	return r.apply(e, seq, v, err)
}

// IsSubscribed reports whether key has a live channel.
func (r *Registry) IsSubscribed(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Len returns the number of live channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns the live keys, sorted.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// teardown closes the live channel of key and cancels a subscription of key
// that is still opening.
func (r *Registry) teardown(key Key) bool {
	r.mu.Lock()
	e := r.entries[key]
	if e != nil {
		delete(r.entries, key)
		e.closed = true
	}
	o := r.opening[key]
	if o != nil {
		delete(r.opening, key)
		o.closed = true
	}
	r.mu.Unlock()

	if e == nil {
		return o != nil
	}
	r.closeChannel(e)
	return true
}

func (r *Registry) closeChannel(e *entry) {
	if e.channel == nil {
		return
	}
	if err := e.channel.Close(); err != nil {
		r.log.Warn().Err(err).Stringer("key", e.key).Msg("channel close failed")
	}
}

func (r *Registry) notify(e *entry, n ChangeEvent) {
	r.mu.Lock()
	if e.closed || r.entries[e.key] != e {
		r.mu.Unlock()
		return
	}
	e.seq++
	seq := e.seq
	r.mu.Unlock()

	r.log.Debug().Stringer("key", e.key).Str("event", n.Event).Uint64("seq", seq).Msg("notification")

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		v, err := e.opts.Fetch(ctx)
		_ = r.apply(e, seq, v, err)
	}()
}

// apply hands a refetch result to OnChange if seq is still the most recently
// started refetch for a live entry; anything else is silently dropped.
func (r *Registry) apply(e *entry, seq uint64, v any, fetchErr error) error {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	r.mu.Lock()
	if e.closed || r.entries[e.key] != e {
		r.mu.Unlock()
		r.log.Debug().Stringer("key", e.key).Uint64("seq", seq).Msg("result for unsubscribed key dropped")
		return nil
	}
	if seq != e.seq {
		latest := e.seq
		r.mu.Unlock()
		r.log.Debug().Stringer("key", e.key).Uint64("seq", seq).Uint64("latest", latest).Msg("stale refetch discarded")
		return nil
	}
	if fetchErr != nil {
		e.failures++
		failures := e.failures
		r.mu.Unlock()

		r.log.Warn().Err(fetchErr).Stringer("key", e.key).Int("failures", failures).Msg("refetch failed, keeping stale cache")
		if failures == r.threshold {
			if e.opts.OnError != nil {
				e.opts.OnError(fetchErr, failures)
			}
			r.events.emitRefetch(&RefetchError{Key: e.key, Failures: failures, Err: fetchErr})
		}
		return fetchErr
	}
	e.failures = 0
	r.mu.Unlock()

	e.opts.OnChange(v)
	return nil
}

func (r *Registry) setHandlers(key Key, h Handlers) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[key]
	if e == nil {
		return ErrNotSubscribed
	}
	e.handlers = h
	return nil
}

func (r *Registry) handlers(key Key) (Handlers, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[key]
	if e == nil {
		return Handlers{}, false
	}
	return e.handlers, true
}

// wait blocks until every push-triggered refetch started so far has finished.
func (r *Registry) wait() {
	r.inflight.Wait()
}
