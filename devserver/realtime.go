package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/LuminPulse-AI/tasksync/wire"
)

// hub tracks connected realtime sockets and the channels each has joined.
type hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	conns mapset.Set[*conn]
}

type conn struct {
	ws   *websocket.Conn
	user string

	writeMu sync.Mutex

	mu       sync.RWMutex
	channels map[string]wire.Filter
}

func newHub(log zerolog.Logger) *hub {
	return &hub{log: log, conns: mapset.NewThreadUnsafeSet[*conn]()}
}

func (h *hub) clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns.Cardinality()
}

func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("token")
	if user == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept")
		return
	}
	ws.SetReadLimit(1 << 20)

	c := &conn{ws: ws, user: user, channels: make(map[string]wire.Filter)}
	h.mu.Lock()
	h.conns.Add(c)
	h.mu.Unlock()
	h.log.Debug().Str("user", user).Msg("realtime client connected")

	defer func() {
		h.mu.Lock()
		h.conns.Remove(c)
		h.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "")
		h.log.Debug().Str("user", user).Msg("realtime client disconnected")
	}()

	ctx := r.Context()
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		env, err := wire.Decode(data, typ == websocket.MessageBinary)
		if err != nil {
			c.write(ctx, &wire.Envelope{Type: wire.TypeError, Message: "bad frame"})
			continue
		}
		h.handle(ctx, c, env)
	}
}

func (h *hub) handle(ctx context.Context, c *conn, env *wire.Envelope) {
	switch env.Type {
	case wire.TypeJoin:
		if env.Filter == nil || env.Filter.Table == "" {
			c.write(ctx, &wire.Envelope{Type: wire.TypeError, Ref: env.Ref, Message: "filter with table is required"})
			return
		}
		c.mu.Lock()
		c.channels[env.Ref] = *env.Filter
		c.mu.Unlock()
		c.write(ctx, &wire.Envelope{Type: wire.TypeJoined, Ref: env.Ref})

	case wire.TypeLeave:
		c.mu.Lock()
		delete(c.channels, env.Ref)
		c.mu.Unlock()

	case wire.TypePing:
		c.write(ctx, &wire.Envelope{Type: wire.TypePong, Ref: env.Ref})

	default:
		c.write(ctx, &wire.Envelope{Type: wire.TypeError, Ref: env.Ref, Message: "unknown type " + env.Type})
	}
}

// broadcast sends a change frame to every joined channel whose filter
// matches and returns how many received it.
func (h *hub) broadcast(table, event string, record json.RawMessage) int {
	h.mu.RLock()
	conns := h.conns.ToSlice()
	h.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		c.mu.RLock()
		var refs []string
		for ref, f := range c.channels {
			if f.Matches(table, event, record) {
				refs = append(refs, ref)
			}
		}
		c.mu.RUnlock()

		for _, ref := range refs {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.write(ctx, &wire.Envelope{Type: wire.TypeChange, Ref: ref, Table: table, Event: event, Record: record})
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Str("user", c.user).Msg("change not delivered")
				continue
			}
			delivered++
		}
	}
	return delivered
}

func (c *conn) write(ctx context.Context, env *wire.Envelope) error {
	data, binary, err := wire.Encode(env)
	if err != nil {
		return err
	}
	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, typ, data)
}

func (h *hub) drop() {
	h.mu.RLock()
	conns := h.conns.ToSlice()
	h.mu.RUnlock()
	for _, c := range conns {
		c.ws.Close(websocket.StatusGoingAway, "server restart")
	}
}
