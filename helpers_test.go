package tasksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// fakeTransport
// ============================================================================

type fakeTransport struct {
	mu       sync.Mutex
	opens    int
	closes   int
	next     int
	channels map[int]*fakeChannel
	failOpen error
}

type fakeChannel struct {
	t       *fakeTransport
	id      int
	filter  Filter
	onEvent func(ChangeEvent)
	once    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{channels: make(map[int]*fakeChannel)}
}

func (t *fakeTransport) OpenChannel(_ context.Context, filter Filter, onEvent func(ChangeEvent)) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.failOpen != nil {
		return nil, t.failOpen
	}
	t.next++
	ch := &fakeChannel{t: t, id: t.next, filter: filter, onEvent: onEvent}
	t.channels[ch.id] = ch
	return ch, nil
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() {
		c.t.mu.Lock()
		delete(c.t.channels, c.id)
		c.t.closes++
		c.t.mu.Unlock()
	})
	return nil
}

// push delivers a change to every live channel whose filter matches.
func (t *fakeTransport) push(table string, record map[string]any) {
	raw, _ := json.Marshal(record)
	t.mu.Lock()
	var targets []*fakeChannel
	for _, ch := range t.channels {
		if ch.filter.Matches(table, "INSERT", raw) {
			targets = append(targets, ch)
		}
	}
	t.mu.Unlock()
	for _, ch := range targets {
		ch.onEvent(ChangeEvent{Table: table, Event: "INSERT", Record: raw})
	}
}

func (t *fakeTransport) live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

func (t *fakeTransport) counts() (opens, closes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens, t.closes
}

// ============================================================================
// fakeCaller
// ============================================================================

type call struct {
	name   string
	params map[string]any
}

// fakeCaller routes calls to per-name handlers. Params reach handlers the
// way a backend would see them: JSON-decoded into a map.
type fakeCaller struct {
	mu       sync.Mutex
	handlers map[string]func(params map[string]any) (any, error)
	calls    []call
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{handlers: make(map[string]func(map[string]any) (any, error))}
}

func (f *fakeCaller) handle(name string, h func(params map[string]any) (any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
}

func (f *fakeCaller) Call(_ context.Context, name string, params any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	var p map[string]any
	json.Unmarshal(raw, &p)

	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, params: p})
	h := f.handlers[name]
	f.mu.Unlock()

	if h == nil {
		return &RPCError{Code: "NOT_FOUND", Message: "unknown function " + name, Status: 404}
	}
	res, err := h(p)
	if err != nil {
		return err
	}
	if out == nil || res == nil {
		return nil
	}
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (f *fakeCaller) callsTo(name string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

// list serves a fixed, mutable collection for a get_* call.
func list[T any](mu *sync.Mutex, rows *[]T) func(map[string]any) (any, error) {
	return func(map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		out := make([]T, len(*rows))
		copy(out, *rows)
		return out, nil
	}
}

var errBackend = errors.New("network unreachable")

// ============================================================================
// Engine
// ============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now advances one second per call so speculative records get distinct
// timestamps.
func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestEngine(t *testing.T, caller Caller, transport PushTransport) *Engine {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	e, err := New(Config{UserID: "alice", MaxActiveChats: 2},
		WithCaller(caller),
		WithTransport(transport),
		WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = fmt.Sprintf("%s:%s", m.ID, m.Content)
	}
	return out
}
