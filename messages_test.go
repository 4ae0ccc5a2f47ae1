package tasksync

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"
)

// chatBackend is a minimal conversation backend on top of fakeCaller.
type chatBackend struct {
	caller   *fakeCaller
	mu       sync.Mutex
	messages []Message
	convs    []Conversation
	nextID   int
	failSend error
}

func newChatBackend() *chatBackend {
	b := &chatBackend{caller: newFakeCaller()}
	b.convs = []Conversation{{ID: "C42", OtherParticipant: Participant{ID: "bob", Username: "bob"}, UnreadCount: 3}}
	b.caller.handle("get_messages", list(&b.mu, &b.messages))
	b.caller.handle("get_conversations", list(&b.mu, &b.convs))
	b.caller.handle("mark_messages_read", func(map[string]any) (any, error) { return nil, nil })
	b.caller.handle("send_message", func(p map[string]any) (any, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.failSend != nil {
			return nil, b.failSend
		}
		b.nextID++
		b.messages = append(b.messages, Message{
			ID:             ConfirmedID("m" + strconv.Itoa(b.nextID)),
			ConversationID: p["conversation_id"].(string),
			Content:        p["content"].(string),
			SenderID:       "alice",
			CreatedAt:      t0.Add(time.Duration(b.nextID) * time.Minute),
			ClientToken:    Token(p["client_token"].(string)),
		})
		return nil, nil
	})
	return b
}

func (b *chatBackend) setFailSend(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSend = err
}

func openChat(t *testing.T, b *chatBackend) (*Engine, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	e := newTestEngine(t, b.caller, tr)
	if err := e.Messages().Open(context.Background(), "C42"); err != nil {
		t.Fatalf("open: %v", err)
	}
	return e, tr
}

func pushMessage(e *Engine, tr *fakeTransport) {
	tr.push("messages", map[string]any{"conversation_id": "C42"})
	e.Registry().wait()
}

func TestSendOptimisticThenReconciled(t *testing.T) {
	b := newChatBackend()
	e, tr := openChat(t, b)
	m := e.Messages()

	var during []Message
	b.caller.mu.Lock()
	send := b.caller.handlers["send_message"]
	b.caller.mu.Unlock()
	b.caller.handle("send_message", func(p map[string]any) (any, error) {
		during = m.List("C42")
		return send(p)
	})

	sent, err := m.Send(context.Background(), "C42", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(during) != 1 || during[0].ID != sent.ID || !during[0].IsOptimistic || during[0].Content != "hello" {
		t.Fatalf("expected the speculative message during the call, got %+v", during)
	}
	if !sent.ID.IsPending() {
		t.Fatal("speculative message must carry a local id")
	}

	pushMessage(e, tr)
	got := m.List("C42")
	if !reflect.DeepEqual(contents(got), []string{"m1:hello"}) {
		t.Fatalf("expected exactly the confirmed message, got %v", contents(got))
	}
	if got[0].IsOptimistic {
		t.Fatal("confirmed message must not be optimistic")
	}

	t.Run("repeated notifications are idempotent", func(t *testing.T) {
		pushMessage(e, tr)
		pushMessage(e, tr)
		if again := m.List("C42"); !reflect.DeepEqual(again, got) {
			t.Fatalf("expected %v, got %v", contents(got), contents(again))
		}
	})
}

func TestSendFailureAndRetry(t *testing.T) {
	b := newChatBackend()
	e, tr := openChat(t, b)
	m := e.Messages()

	var events []*MutationError
	e.OnMutationError(func(err *MutationError) { events = append(events, err) })

	b.setFailSend(errBackend)
	sent, err := m.Send(context.Background(), "C42", "hello")

	var merr *MutationError
	if !errors.As(err, &merr) || !errors.Is(err, errBackend) {
		t.Fatalf("expected MutationError wrapping the backend error, got %v", err)
	}
	if len(events) != 1 || events[0].Token != sent.ClientToken {
		t.Fatalf("expected exactly one mutation error event, got %d", len(events))
	}

	got := m.List("C42")
	if len(got) != 1 || !got[0].IsFailed || got[0].IsOptimistic || got[0].Content != "hello" {
		t.Fatalf("expected one failed entry, got %+v", got)
	}

	t.Run("failed entry survives reconciliation", func(t *testing.T) {
		pushMessage(e, tr)
		if got := m.List("C42"); len(got) != 1 || !got[0].IsFailed {
			t.Fatalf("failed entry lost: %+v", got)
		}
	})

	b.setFailSend(nil)
	if err := events[0].Retry(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}

	calls := b.caller.callsTo("send_message")
	if len(calls) != 2 {
		t.Fatalf("expected 2 send calls, got %d", len(calls))
	}
	for _, c := range calls {
		if c.params["content"] != "hello" || c.params["client_token"] != string(sent.ClientToken) {
			t.Fatalf("retry must resend the same content and token, got %v", c.params)
		}
	}
	if len(events) != 1 {
		t.Fatalf("successful retry must not emit, got %d events", len(events))
	}

	pushMessage(e, tr)
	if got := m.List("C42"); !reflect.DeepEqual(contents(got), []string{"m1:hello"}) {
		t.Fatalf("expected the confirmed message only, got %v", contents(got))
	}
}

func TestSendSurvivesInFlightRefetch(t *testing.T) {
	b := newChatBackend()
	e, tr := openChat(t, b)
	m := e.Messages()
	ctx := context.Background()

	// The refetch reads the backend before the send lands and resolves after it.
	read := make(chan struct{})
	release := make(chan struct{})
	serve := list(&b.mu, &b.messages)
	b.caller.handle("get_messages", func(p map[string]any) (any, error) {
		rows, err := serve(p)
		close(read)
		<-release
		return rows, err
	})
	tr.push("messages", c42Record())
	<-read
	b.caller.handle("get_messages", serve)

	sent, err := m.Send(ctx, "C42", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !e.Coordinator().AwaitingEcho(sent.ClientToken) {
		t.Fatal("sent message must await its canonical echo")
	}

	close(release)
	e.Registry().wait()
	got := m.List("C42")
	if len(got) != 1 || got[0].ID != sent.ID {
		t.Fatalf("sent message lost to an older refetch, got %v", contents(got))
	}

	pushMessage(e, tr)
	if got := m.List("C42"); !reflect.DeepEqual(contents(got), []string{"m1:hi"}) {
		t.Fatalf("expected the confirmed message only, got %v", contents(got))
	}
	if e.Coordinator().AwaitingEcho(sent.ClientToken) {
		t.Fatal("echoed token must be settled")
	}
}

func TestSendFailureIsOneTransition(t *testing.T) {
	b := newChatBackend()
	e, _ := openChat(t, b)
	m := e.Messages()

	var mu sync.Mutex
	var writes [][]Message
	cancel := m.Store().Watch("C42", func(msgs []Message) {
		mu.Lock()
		defer mu.Unlock()
		writes = append(writes, msgs)
	})
	defer cancel()

	b.setFailSend(errBackend)
	m.Send(context.Background(), "C42", "bye")

	mu.Lock()
	defer mu.Unlock()
	if len(writes) != 2 {
		t.Fatalf("expected optimistic and failed writes only, got %d", len(writes))
	}
	for i, w := range writes {
		if len(w) != 1 || w[0].Content != "bye" {
			t.Fatalf("write %d lost the message: %+v", i, w)
		}
	}
	if !writes[0][0].IsOptimistic || !writes[1][0].IsFailed {
		t.Fatalf("expected optimistic then failed, got %+v", writes)
	}
}

func TestRetryAndDismiss(t *testing.T) {
	b := newChatBackend()
	e, _ := openChat(t, b)
	m := e.Messages()
	ctx := context.Background()

	b.setFailSend(errBackend)
	sent, _ := m.Send(ctx, "C42", "hello")

	t.Run("retry that fails again stays failed", func(t *testing.T) {
		err := m.Retry(ctx, "C42", sent.ID)
		if !errors.Is(err, errBackend) {
			t.Fatalf("expected backend error, got %v", err)
		}
		got := m.List("C42")
		if len(got) != 1 || !got[0].IsFailed {
			t.Fatalf("expected failed entry, got %+v", got)
		}
	})

	t.Run("unknown message", func(t *testing.T) {
		if err := m.Retry(ctx, "C42", PendingID("nope")); !errors.Is(err, ErrMessageNotFound) {
			t.Fatalf("expected ErrMessageNotFound, got %v", err)
		}
		if err := m.Dismiss("C42", PendingID("nope")); !errors.Is(err, ErrMessageNotFound) {
			t.Fatalf("expected ErrMessageNotFound, got %v", err)
		}
	})

	t.Run("dismiss", func(t *testing.T) {
		if err := m.Dismiss("C42", sent.ID); err != nil {
			t.Fatalf("dismiss: %v", err)
		}
		if got := m.List("C42"); len(got) != 0 {
			t.Fatalf("expected empty list, got %v", contents(got))
		}
		if calls := b.caller.callsTo("send_message"); len(calls) != 2 {
			t.Fatalf("dismiss must not send, got %d calls", len(calls))
		}
	})
}

func TestSendValidation(t *testing.T) {
	b := newChatBackend()
	b.convs = append(b.convs, Conversation{ID: "C9", IsBlocked: true})
	e := newTestEngine(t, b.caller, newFakeTransport())
	m := e.Messages()
	ctx := context.Background()

	if err := m.LoadConversations(ctx); err != nil {
		t.Fatalf("load conversations: %v", err)
	}

	cases := []struct {
		name    string
		conv    string
		content string
		want    error
	}{
		{"empty content", "C42", "", ErrEmptyContent},
		{"whitespace content", "C42", "  \n", ErrEmptyContent},
		{"no conversation", "", "hi", ErrUnknownConversation},
		{"unknown conversation", "C404", "hi", ErrUnknownConversation},
		{"blocked conversation", "C9", "hi", ErrConversationBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.Send(ctx, tc.conv, tc.content); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if calls := b.caller.callsTo("send_message"); len(calls) != 0 {
		t.Fatalf("rejected sends must not reach the backend, got %d", len(calls))
	}
}

func TestDeleteMessage(t *testing.T) {
	b := newChatBackend()
	b.messages = []Message{msgAt(ConfirmedID("m1"), "secret", t0, "")}
	e, tr := openChat(t, b)
	m := e.Messages()
	ctx := context.Background()

	t.Run("rejected delete is rolled back", func(t *testing.T) {
		b.caller.handle("delete_message", func(map[string]any) (any, error) { return nil, errBackend })
		if err := m.Delete(ctx, "C42", ConfirmedID("m1")); !errors.Is(err, errBackend) {
			t.Fatalf("expected backend error, got %v", err)
		}
		got := m.List("C42")
		if got[0].IsDeleted || got[0].DisplayContent() != "secret" {
			t.Fatalf("expected original message, got %+v", got[0])
		}
	})

	t.Run("placeholder while in flight", func(t *testing.T) {
		var during []Message
		b.caller.handle("delete_message", func(p map[string]any) (any, error) {
			during = m.List("C42")
			b.mu.Lock()
			b.messages[0].IsDeleted = true
			b.messages[0].Content = ""
			b.mu.Unlock()
			return nil, nil
		})
		if err := m.Delete(ctx, "C42", ConfirmedID("m1")); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if len(during) != 1 || during[0].DisplayContent() != DeletedPlaceholder {
			t.Fatalf("expected placeholder during the call, got %+v", during)
		}
		calls := b.caller.callsTo("delete_message")
		if calls[len(calls)-1].params["message_id"] != "m1" {
			t.Fatalf("unexpected params %v", calls[len(calls)-1].params)
		}

		pushMessage(e, tr)
		got := m.List("C42")
		if len(got) != 1 || got[0].DisplayContent() != DeletedPlaceholder {
			t.Fatalf("deleted message must keep its slot, got %+v", got)
		}
	})

	t.Run("speculative messages cannot be deleted", func(t *testing.T) {
		b.setFailSend(errBackend)
		sent, _ := m.Send(ctx, "C42", "oops")
		if err := m.Delete(ctx, "C42", sent.ID); !errors.Is(err, ErrNotConfirmed) {
			t.Fatalf("expected ErrNotConfirmed, got %v", err)
		}
	})
}

func TestOpenMarksRead(t *testing.T) {
	b := newChatBackend()
	e := newTestEngine(t, b.caller, newFakeTransport())
	m := e.Messages()
	ctx := context.Background()

	if err := m.LoadConversations(ctx); err != nil {
		t.Fatalf("load conversations: %v", err)
	}
	if got := m.Conversations().State("alice").Data; got[0].UnreadCount != 3 {
		t.Fatalf("expected 3 unread, got %d", got[0].UnreadCount)
	}

	if err := m.Open(ctx, "C42"); err != nil {
		t.Fatalf("open: %v", err)
	}
	calls := b.caller.callsTo("mark_messages_read")
	if len(calls) != 1 || calls[0].params["conversation_id"] != "C42" {
		t.Fatalf("expected one mark read call, got %v", calls)
	}
	before, err := time.Parse(time.RFC3339Nano, calls[0].params["before"].(string))
	if err != nil {
		t.Fatalf("before is not a timestamp: %v", err)
	}
	if !before.After(t0) {
		t.Fatalf("unexpected before %v", before)
	}
	if got := m.Conversations().State("alice").Data; got[0].UnreadCount != 0 {
		t.Fatalf("expected unread reset, got %d", got[0].UnreadCount)
	}

	t.Run("rejected mark read restores count", func(t *testing.T) {
		b.mu.Lock()
		b.convs[0].UnreadCount = 2
		b.mu.Unlock()
		m.Conversations().Refresh(ctx, "alice")

		b.caller.handle("mark_messages_read", func(map[string]any) (any, error) { return nil, errBackend })
		if err := m.MarkRead(ctx, "C42", t0); !errors.Is(err, errBackend) {
			t.Fatalf("expected backend error, got %v", err)
		}
		if got := m.Conversations().State("alice").Data; got[0].UnreadCount != 2 {
			t.Fatalf("expected count restored to 2, got %d", got[0].UnreadCount)
		}
	})

	t.Run("close releases the channel", func(t *testing.T) {
		m.Close("C42")
		if e.Registry().IsSubscribed(m.Store().Key("C42")) {
			t.Fatal("expected channel closed")
		}
	})
}

func TestGrouped(t *testing.T) {
	b := newChatBackend()
	b.messages = []Message{
		msgAt(ConfirmedID("m1"), "a", time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), ""),
		msgAt(ConfirmedID("m2"), "b", time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC), ""),
	}
	e, _ := openChat(t, b)
	groups := e.Messages().Grouped("C42", time.UTC)
	if len(groups) != 2 || groups[1].Messages[0].Content != "b" {
		t.Fatalf("unexpected groups %+v", groups)
	}
}
