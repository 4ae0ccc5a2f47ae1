package tasksync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/LuminPulse-AI/tasksync/wire"
)

// wsServer is a scripted realtime endpoint. Each accepted join is answered
// with channel.joined followed by one change frame for the joined ref.
type wsServer struct {
	*httptest.Server

	mu     sync.Mutex
	conns  int
	tokens []string
	leaves []string
	// dropFirst closes the first connection right after its first join.
	dropFirst bool
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) serve(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	s.mu.Lock()
	s.conns++
	n := s.conns
	s.tokens = append(s.tokens, r.URL.Query().Get("token"))
	s.mu.Unlock()

	ctx := r.Context()
	write := func(env *wire.Envelope) {
		data, binary, _ := wire.Encode(env)
		typ := websocket.MessageText
		if binary {
			typ = websocket.MessageBinary
		}
		c.Write(ctx, typ, data)
	}

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		env, err := wire.Decode(data, typ == websocket.MessageBinary)
		if err != nil {
			continue
		}
		switch env.Type {
		case wire.TypePing:
			write(&wire.Envelope{Type: wire.TypePong, Ref: env.Ref})
		case wire.TypeLeave:
			s.mu.Lock()
			s.leaves = append(s.leaves, env.Ref)
			s.mu.Unlock()
		case wire.TypeJoin:
			if env.Filter.Table == "forbidden" {
				write(&wire.Envelope{Type: wire.TypeError, Ref: env.Ref, Message: "not allowed"})
				continue
			}
			write(&wire.Envelope{Type: wire.TypeJoined, Ref: env.Ref})
			if s.dropFirst && n == 1 {
				c.Close(websocket.StatusGoingAway, "restart")
				return
			}
			write(&wire.Envelope{
				Type:   wire.TypeChange,
				Ref:    env.Ref,
				Table:  env.Filter.Table,
				Event:  wire.EventInsert,
				Record: json.RawMessage(`{"id":"m1","conversation_id":"C42"}`),
			})
		}
	}
}

func collect() (func(ChangeEvent), <-chan ChangeEvent) {
	ch := make(chan ChangeEvent, 16)
	return func(e ChangeEvent) { ch <- e }, ch
}

func waitEvent(t *testing.T, ch <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return ChangeEvent{}
}

func TestWSTransportOpenChannel(t *testing.T) {
	srv := newWSServer(t)
	tr := NewWSTransport(srv.URL, RealtimeConfig{Token: "alice"}, zerolog.Nop())
	defer tr.Close()

	onEvent, events := collect()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := tr.OpenChannel(ctx, Filter{Table: "messages", Column: "conversation_id", Value: "C42"}, onEvent)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	if tr.State() != StateConnected {
		t.Fatalf("expected connected, got %s", tr.State())
	}

	e := waitEvent(t, events)
	if e.Table != "messages" || e.Event != wire.EventInsert || !strings.Contains(string(e.Record), `"m1"`) {
		t.Fatalf("unexpected event %+v", e)
	}

	if err := tr.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	ch.Close()
	ch.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		srv.mu.Lock()
		leaves, tokens := len(srv.leaves), srv.tokens
		srv.mu.Unlock()
		if leaves == 1 {
			if tokens[0] != "alice" {
				t.Fatalf("expected token alice, got %q", tokens[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected exactly one leave, got %d", leaves)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSTransportJoinRejected(t *testing.T) {
	srv := newWSServer(t)
	tr := NewWSTransport(srv.URL, RealtimeConfig{}, zerolog.Nop())
	defer tr.Close()

	_, err := tr.OpenChannel(context.Background(), Filter{Table: "forbidden"}, func(ChangeEvent) {})
	if err == nil || !strings.Contains(err.Error(), "not allowed") {
		t.Fatalf("expected join error, got %v", err)
	}
}

func TestWSTransportDialFailure(t *testing.T) {
	tr := NewWSTransport("http://127.0.0.1:1", RealtimeConfig{}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := tr.OpenChannel(ctx, Filter{Table: "messages"}, func(ChangeEvent) {}); err == nil {
		t.Fatal("expected dial error")
	}
	if tr.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", tr.State())
	}
}

func TestWSTransportRejoinsAfterDrop(t *testing.T) {
	srv := newWSServer(t)
	srv.dropFirst = true
	tr := NewWSTransport(srv.URL, RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	}, zerolog.Nop())
	defer tr.Close()

	onEvent, events := collect()
	if _, err := tr.OpenChannel(context.Background(), Filter{Table: "messages"}, onEvent); err != nil {
		t.Fatalf("open channel: %v", err)
	}

	// The rejoin itself is reported as a wildcard change so owners refetch;
	// it may race the first change frame of the new connection.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		e := waitEvent(t, events)
		if e.Table != "messages" {
			t.Fatalf("unexpected event %+v", e)
		}
		seen[e.Event] = true
	}
	if !seen[wire.EventAny] || !seen[wire.EventInsert] {
		t.Fatalf("expected rejoin and change events, got %v", seen)
	}
}

func TestReconnectorBackoff(t *testing.T) {
	cfg := RealtimeConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: 300 * time.Millisecond, MaxReconnectAttempts: 3}
	r := newReconnector(&cfg)

	prev := time.Duration(0)
	for i := 0; i < 3; i++ {
		if !r.shouldReconnect() {
			t.Fatalf("attempt %d should be allowed", i)
		}
		d := r.nextDelay()
		if d > cfg.ReconnectMaxDelay {
			t.Fatalf("delay %v exceeds max", d)
		}
		if d < prev && d != cfg.ReconnectMaxDelay {
			t.Fatalf("delay decreased: %v after %v", d, prev)
		}
		prev = d
	}
	if r.shouldReconnect() {
		t.Fatal("expected attempts exhausted")
	}
	r.reset()
	if !r.shouldReconnect() {
		t.Fatal("expected reset to allow reconnecting")
	}
}
