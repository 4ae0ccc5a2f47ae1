package tasksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"

	"github.com/LuminPulse-AI/tasksync/wire"
)

// ============================================================================
// Push transport contract
// ============================================================================

// ChangeEvent is a "something changed" signal delivered on a channel. The
// record is informational only; the engine always refetches canonical state.
type ChangeEvent struct {
	Ref    string
	Table  string
	Event  string
	Record json.RawMessage
}

// Channel is a live change-notification subscription.
type Channel interface {
	// Close releases the subscription. Calling it more than once is a no-op.
	Close() error
}

// PushTransport opens change-notification channels scoped by a filter.
// Delivery is at-least-once and unordered.
type PushTransport interface {
	OpenChannel(ctx context.Context, filter Filter, onEvent func(ChangeEvent)) (Channel, error)
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket transport.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	JoinTimeout          time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 10 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport multiplexes change-notification channels over one WebSocket,
// reconnecting and re-joining every open channel when the socket drops.
type WSTransport struct {
	url    string
	config *RealtimeConfig
	log    zerolog.Logger

	dialMu           sync.Mutex
	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	recon            *reconnector
	channels         map[string]*wsChannel

	pendingMu sync.Mutex
	pending   map[string]chan error
}

// NewWSTransport creates a transport for the realtime endpoint at url
// (http(s) URLs are rewritten to ws(s)).
func NewWSTransport(url string, config RealtimeConfig, log zerolog.Logger) *WSTransport {
	config.defaults()
	wsURL := strings.Replace(url, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return &WSTransport{
		url:      wsURL,
		config:   &config,
		log:      log.With().Str("component", "realtime").Logger(),
		state:    StateDisconnected,
		recon:    newReconnector(&config),
		channels: make(map[string]*wsChannel),
		pending:  make(map[string]chan error),
	}
}

// State returns the current connection state.
func (t *WSTransport) State() RealtimeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect establishes the WebSocket connection. It is a no-op when already connected.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	t.mu.Lock()
	if t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.intentionalClose = false
	t.mu.Unlock()

	dialURL := t.url
	if t.config.Token != "" {
		dialURL += "?token=" + t.config.Token
	}
	conn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.cancelFn = cancel
	t.mu.Unlock()
	t.recon.markConnected()
	t.log.Info().Str("url", t.url).Msg("realtime connected")

	go t.readLoop(connCtx, conn)
	go t.heartbeatLoop(connCtx)
	return nil
}

// Close disconnects and drops every channel.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.intentionalClose = true
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.channels = make(map[string]*wsChannel)
	t.mu.Unlock()

	t.recon.reset()
	t.failPending(ErrClosed)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// OpenChannel joins a channel for filter and waits for the server to confirm it.
func (t *WSTransport) OpenChannel(ctx context.Context, filter Filter, onEvent func(ChangeEvent)) (Channel, error) {
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	ch := &wsChannel{
		transport: t,
		ref:       uuid.NewString(),
		filter:    filter,
		onEvent:   onEvent,
	}
	t.mu.Lock()
	t.channels[ch.ref] = ch
	t.mu.Unlock()

	if err := t.join(ctx, ch); err != nil {
		t.mu.Lock()
		delete(t.channels, ch.ref)
		t.mu.Unlock()
		return nil, fmt.Errorf("join %s: %w", filter, err)
	}
	t.log.Debug().Str("ref", ch.ref).Stringer("filter", filter).Msg("channel joined")
	return ch, nil
}

func (t *WSTransport) join(ctx context.Context, ch *wsChannel) error {
	f := ch.filter
	return t.request(ctx, &wire.Envelope{Type: wire.TypeJoin, Ref: ch.ref, Filter: &f}, t.config.JoinTimeout)
}

// request sends env and waits for the reply carrying the same ref.
func (t *WSTransport) request(ctx context.Context, env *wire.Envelope, timeout time.Duration) error {
	ack := make(chan error, 1)
	t.pendingMu.Lock()
	t.pending[env.Ref] = ack
	t.pendingMu.Unlock()

	if err := t.send(ctx, env); err != nil {
		t.dropPending(env.Ref)
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		return err
	case <-timer.C:
		t.dropPending(env.Ref)
		return fmt.Errorf("%s timeout", env.Type)
	case <-ctx.Done():
		t.dropPending(env.Ref)
		return ctx.Err()
	}
}

func (t *WSTransport) send(ctx context.Context, env *wire.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	data, binary, err := wire.Encode(env)
	if err != nil {
		return err
	}
	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	return conn.Write(ctx, typ, data)
}

// Ping sends a ping and waits for the pong.
func (t *WSTransport) Ping(ctx context.Context) error {
	return t.request(ctx, &wire.Envelope{Type: wire.TypePing, Ref: uuid.NewString()}, 10*time.Second)
}

func (t *WSTransport) resolvePending(ref string, err error) bool {
	t.pendingMu.Lock()
	ch, ok := t.pending[ref]
	if ok {
		delete(t.pending, ref)
	}
	t.pendingMu.Unlock()
	if ok {
		ch <- err
	}
	return ok
}

func (t *WSTransport) dropPending(ref string) {
	t.pendingMu.Lock()
	delete(t.pending, ref)
	t.pendingMu.Unlock()
}

func (t *WSTransport) failPending(err error) {
	t.pendingMu.Lock()
	for ref, ch := range t.pending {
		ch <- err
		delete(t.pending, ref)
	}
	t.pendingMu.Unlock()
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			if t.conn == conn {
				t.conn = nil
				t.state = StateDisconnected
			}
			t.mu.Unlock()
			if intentional {
				return
			}

			t.log.Warn().Err(err).Msg("realtime disconnected")
			t.failPending(fmt.Errorf("connection lost: %w", err))
			if t.config.AutoReconnect && t.recon.shouldReconnect() {
				go t.scheduleReconnect()
			}
			return
		}

		raw, err := wire.Raw(data, typ == websocket.MessageBinary)
		if err != nil || !gjson.ValidBytes(raw) {
			t.log.Debug().Err(err).Msg("bad frame")
			continue
		}
		if frameType, ref := wire.Route(raw); frameType == wire.TypeChange {
			t.routeChange(ref, raw)
			continue
		}
		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.log.Debug().Err(err).Msg("bad frame")
			continue
		}
		t.dispatch(&env)
	}
}

// routeChange delivers a change frame to its channel. Frames for refs that
// are no longer open are dropped without decoding the record.
func (t *WSTransport) routeChange(ref string, raw []byte) {
	t.mu.Lock()
	ch := t.channels[ref]
	t.mu.Unlock()
	if ch == nil {
		t.log.Debug().Str("ref", ref).Msg("change for closed channel dropped")
		return
	}
	table, event, record := wire.Change(raw)
	t.log.Debug().
		Str("ref", ref).
		Str("table", table).
		Str("event", event).
		Str("record", gjson.GetBytes(record, "id").String()).
		Msg("change")
	ch.onEvent(ChangeEvent{Ref: ref, Table: table, Event: event, Record: record})
}

func (t *WSTransport) dispatch(env *wire.Envelope) {
	switch env.Type {
	case wire.TypeJoined, wire.TypePong:
		t.resolvePending(env.Ref, nil)

	case wire.TypeError:
		if !t.resolvePending(env.Ref, errors.New(env.Message)) {
			t.log.Warn().Str("ref", env.Ref).Str("error", env.Message).Msg("server error")
		}
	}
}

func (t *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.State() != StateConnected {
				return
			}
			if err := t.Ping(ctx); err != nil {
				t.mu.Lock()
				conn := t.conn
				t.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (t *WSTransport) scheduleReconnect() {
	for {
		delay := t.recon.nextDelay()
		t.mu.Lock()
		if t.intentionalClose {
			t.mu.Unlock()
			return
		}
		t.state = StateReconnecting
		t.mu.Unlock()

		t.log.Info().Int("attempt", t.recon.attempt).Dur("delay", delay).Msg("reconnecting")
		time.Sleep(delay)

		if err := t.Connect(context.Background()); err == nil {
			t.rejoinAll()
			return
		} else if !t.config.AutoReconnect || !t.recon.shouldReconnect() {
			t.log.Error().Err(err).Msg("giving up reconnecting")
			t.mu.Lock()
			t.state = StateDisconnected
			t.mu.Unlock()
			return
		}
	}
}

// rejoinAll restores every open channel after a reconnect. Notifications
// missed while disconnected are not replayed; the engine's next refetch
// catches up.
func (t *WSTransport) rejoinAll() {
	t.mu.Lock()
	channels := make([]*wsChannel, 0, len(t.channels))
	for _, ch := range t.channels {
		channels = append(channels, ch)
	}
	t.mu.Unlock()

	for _, ch := range channels {
		if err := t.join(context.Background(), ch); err != nil {
			t.log.Warn().Err(err).Str("ref", ch.ref).Stringer("filter", ch.filter).Msg("rejoin failed")
			continue
		}
		// Treat the rejoin as a change so the owner refetches what it missed.
		ch.onEvent(ChangeEvent{Ref: ch.ref, Table: ch.filter.Table, Event: wire.EventAny})
	}
}

type wsChannel struct {
	transport *WSTransport
	ref       string
	filter    Filter
	onEvent   func(ChangeEvent)
	once      sync.Once
}

func (c *wsChannel) Close() error {
	var err error
	c.once.Do(func() {
		t := c.transport
		t.mu.Lock()
		delete(t.channels, c.ref)
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if sendErr := t.send(ctx, &wire.Envelope{Type: wire.TypeLeave, Ref: c.ref}); sendErr != nil {
			t.log.Debug().Err(sendErr).Str("ref", c.ref).Msg("leave not sent")
		}
	})
	return err
}
