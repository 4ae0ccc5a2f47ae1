package tasksync

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config configures an Engine.
type Config struct {
	// BaseURL is the backend RPC root. Used when no Caller is supplied.
	BaseURL string
	// RealtimeURL is the WebSocket push endpoint. Used when no PushTransport
	// is supplied.
	RealtimeURL string
	// Token authenticates both RPC calls and the realtime socket.
	Token string
	// UserID is the current user.
	UserID string

	// MaxActiveChats bounds the rendered chat windows. Defaults to 2.
	MaxActiveChats int
	// RefetchErrorThreshold is the number of consecutive refetch failures
	// before a RefetchError is surfaced. Defaults to 3.
	RefetchErrorThreshold int
	// RefetchTimeout bounds one push-triggered refetch. Defaults to 15s.
	RefetchTimeout time.Duration
	// RequestTimeout bounds one RPC call. Defaults to DefaultTimeout.
	RequestTimeout time.Duration
	// DisableReconnect stops the realtime socket from redialing after a drop.
	DisableReconnect bool

	Realtime RealtimeConfig
}

func (c *Config) defaults() {
	if c.MaxActiveChats == 0 {
		c.MaxActiveChats = 2
	}
	if c.RefetchErrorThreshold == 0 {
		c.RefetchErrorThreshold = 3
	}
	if c.RefetchTimeout == 0 {
		c.RefetchTimeout = 15 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultTimeout
	}
	if c.Realtime.Token == "" {
		c.Realtime.Token = c.Token
	}
	c.Realtime.AutoReconnect = !c.DisableReconnect
	c.Realtime.defaults()
}

// Option customizes an Engine.
type Option func(*Engine)

// WithCaller replaces the HTTP RPC client.
func WithCaller(caller Caller) Option {
	return func(e *Engine) { e.caller = caller }
}

// WithTransport replaces the WebSocket push transport. The engine does not
// close a transport it did not create.
func WithTransport(t PushTransport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock replaces time.Now for timestamps of speculative records.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the composition root: it owns the channel registry, the
// optimistic coordinator, every domain store and the chat windows.
type Engine struct {
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
	caller    Caller
	transport PushTransport
	owned     io.Closer

	registry *Registry
	coord    *Coordinator
	events   *emitter

	messages      *Messages
	friends       *Friends
	tasks         *Tasks
	sharedTasks   *SharedTasks
	comments      *Comments
	notifications *Notifications
	windows       *Windows

	mu     sync.Mutex
	closed bool
}

// New builds an engine. Without WithTransport it needs Config.RealtimeURL,
// and without WithCaller it needs Config.BaseURL.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.defaults()
	e := &Engine{
		cfg: cfg,
		log: zerolog.Nop(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.caller == nil {
		if cfg.BaseURL == "" {
			return nil, errors.New("tasksync: BaseURL or WithCaller is required")
		}
		e.caller = NewRPCClient(cfg.Token, WithBaseURL(cfg.BaseURL), WithTimeout(cfg.RequestTimeout))
	}
	if e.transport == nil {
		if cfg.RealtimeURL == "" {
			return nil, errors.New("tasksync: RealtimeURL or WithTransport is required")
		}
		ws := NewWSTransport(cfg.RealtimeURL, cfg.Realtime, e.log)
		e.transport = ws
		e.owned = ws
	}

	e.registry = NewRegistry(e.transport, e.log, RegistryOptions{
		RefetchErrorThreshold: cfg.RefetchErrorThreshold,
		RefetchTimeout:        cfg.RefetchTimeout,
	})
	e.events = e.registry.events
	e.coord = NewCoordinator(e.registry, e.log)
	e.coord.now = e.now

	e.messages = newMessages(e)
	e.friends = newFriends(e)
	e.tasks = newTasks(e)
	e.sharedTasks = newSharedTasks(e)
	e.comments = newComments(e)
	e.notifications = newNotifications(e)
	e.windows = NewWindows(e.messages, cfg.MaxActiveChats, e.log)
	return e, nil
}

func (e *Engine) Config() Config                { return e.cfg }
func (e *Engine) Registry() *Registry           { return e.registry }
func (e *Engine) Coordinator() *Coordinator     { return e.coord }
func (e *Engine) Messages() *Messages           { return e.messages }
func (e *Engine) Friends() *Friends             { return e.friends }
func (e *Engine) Tasks() *Tasks                 { return e.tasks }
func (e *Engine) SharedTasks() *SharedTasks     { return e.sharedTasks }
func (e *Engine) Comments() *Comments           { return e.comments }
func (e *Engine) Notifications() *Notifications { return e.notifications }
func (e *Engine) Windows() *Windows             { return e.windows }

// OnMutationError registers a handler for mutations that failed and were
// rolled back.
func (e *Engine) OnMutationError(h func(*MutationError)) { e.events.OnMutationError(h) }

// OnRefetchError registers a handler for keys whose refetch keeps failing.
func (e *Engine) OnRefetchError(h func(*RefetchError)) { e.events.OnRefetchError(h) }

// Close closes every chat window, every channel and the realtime socket.
// Calling it again returns ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	e.mu.Unlock()

	e.windows.CloseAll()
	e.registry.UnsubscribeAll()
	e.coord.forgetAll()
	e.events.removeAll()

	if e.owned != nil {
		return e.owned.Close()
	}
	return nil
}
