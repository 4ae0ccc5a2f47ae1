package tasksync

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Messages is the conversation and message store of the current user.
type Messages struct {
	userID        string
	now           func() time.Time
	caller        Caller
	conversations *Store[Conversation]
	messages      *Store[Message]
}

func newMessages(e *Engine) *Messages {
	return &Messages{
		userID: e.cfg.UserID,
		now:    e.now,
		caller: e.caller,
		conversations: NewStore(e, Definition[Conversation]{
			Domain: DomainConversations,
			Filter: func(userID string) Filter {
				return Filter{Table: "conversation_participants", Column: "user_id", Value: userID}
			},
			Fetch: fetchList[Conversation]("get_conversations", "user_id"),
		}),
		messages: NewStore(e, Definition[Message]{
			Domain: DomainMessages,
			Filter: func(conversationID string) Filter {
				return Filter{Table: "messages", Column: "conversation_id", Value: conversationID}
			},
			Fetch: fetchList[Message]("get_messages", "conversation_id"),
			Less:  MessageLess,
		}),
	}
}

// Conversations is the store of the current user's conversation list,
// keyed by user id.
func (m *Messages) Conversations() *Store[Conversation] { return m.conversations }

// Store exposes the per-conversation message store.
func (m *Messages) Store() *Store[Message] { return m.messages }

// LoadConversations subscribes to the current user's conversation list.
func (m *Messages) LoadConversations(ctx context.Context) error {
	return m.conversations.Subscribe(ctx, m.userID)
}

// Open subscribes to a conversation's messages, loads them and marks the
// conversation read as of the moment it was opened.
func (m *Messages) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrUnknownConversation
	}
	openedAt := m.now()
	subErr := m.messages.Subscribe(ctx, conversationID)
	if errors.Is(subErr, ErrSubscriptionCancelled) {
		return subErr
	}
	if err := m.MarkRead(ctx, conversationID, openedAt); err != nil && subErr == nil {
		return err
	}
	return subErr
}

// Resume marks a conversation read as of now. Windows calls it when a
// minimized conversation becomes visible again.
func (m *Messages) Resume(ctx context.Context, conversationID string) error {
	return m.MarkRead(ctx, conversationID, m.now())
}

// Close releases the conversation's message channel and cache.
func (m *Messages) Close(conversationID string) {
	m.messages.Unsubscribe(conversationID)
}

// List returns the conversation's messages in display order.
func (m *Messages) List(conversationID string) []Message {
	return m.messages.State(conversationID).Data
}

// Grouped returns the conversation's messages bucketed by day in loc.
func (m *Messages) Grouped(conversationID string, loc *time.Location) []DayGroup {
	return GroupByDay(m.List(conversationID), loc)
}

// Send appends a speculative message and sends it. If the backend rejects it
// the message stays in the list marked failed so it can be retried or
// dismissed.
func (m *Messages) Send(ctx context.Context, conversationID, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	if err := m.resolve(conversationID); err != nil {
		return Message{}, err
	}

	token := NewToken()
	msg := Message{
		ID:                NewPendingID(),
		ConversationID:    conversationID,
		Content:           content,
		SenderID:          m.userID,
		CreatedAt:         m.now(),
		IsFromCurrentUser: true,
		ClientToken:       token,
		IsOptimistic:      true,
	}

	err := m.messages.run(ctx, mutation[Message]{
		id:    conversationID,
		name:  "send_message",
		token: token,
		patch: Append(msg),
		call:  m.sendCall(conversationID, content, token),
		onRollback: func(cur []Message) []Message {
			failed := msg
			failed.IsOptimistic = false
			failed.IsFailed = true
			for _, r := range cur {
				if r.ID == failed.ID {
					return cur
				}
			}
			return append(cur, failed)
		},
		retry: func(ctx context.Context) error {
			err := m.Retry(ctx, conversationID, msg.ID)
			if errors.Is(err, ErrMessageNotFound) {
				// Never shown because the conversation was not open.
				_, err = m.Send(ctx, conversationID, content)
			}
			return err
		},
	})
	return msg, err
}

// Retry re-sends a failed message with its original content and token, so
// a backend that did store the first attempt can recognise the duplicate.
func (m *Messages) Retry(ctx context.Context, conversationID string, id ID) error {
	msg, ok := m.messages.find(conversationID, func(r Message) bool { return r.ID == id })
	if !ok {
		return ErrMessageNotFound
	}
	if !msg.IsFailed || m.messages.coord.Pending(msg.ClientToken) {
		return ErrNotRetryable
	}

	return m.messages.run(ctx, mutation[Message]{
		id:    conversationID,
		name:  "send_message",
		token: msg.ClientToken,
		patch: Update(id, func(r Message) Message {
			r.IsFailed = false
			r.IsOptimistic = true
			return r
		}),
		call: m.sendCall(conversationID, msg.Content, msg.ClientToken),
		retry: func(ctx context.Context) error {
			return m.Retry(ctx, conversationID, id)
		},
	})
}

// Dismiss drops a failed message from the list without re-sending it.
func (m *Messages) Dismiss(conversationID string, id ID) error {
	msg, ok := m.messages.find(conversationID, func(r Message) bool { return r.ID == id })
	if !ok {
		return ErrMessageNotFound
	}
	if !msg.IsFailed {
		return ErrNotRetryable
	}
	m.messages.state(conversationID).cache.update(Remove[Message](id).Apply)
	return nil
}

// Delete soft-deletes a confirmed message. The entry keeps its slot and
// renders as DeletedPlaceholder.
func (m *Messages) Delete(ctx context.Context, conversationID string, id ID) error {
	msg, ok := m.messages.find(conversationID, func(r Message) bool { return r.ID == id })
	if !ok {
		return ErrMessageNotFound
	}
	if msg.ID.IsPending() {
		return ErrNotConfirmed
	}
	return m.messages.Mutate(ctx, conversationID, "delete_message", NewToken(),
		Update(id, func(r Message) Message {
			r.IsDeleted = true
			return r
		}),
		func(ctx context.Context) error {
			return m.caller.Call(ctx, "delete_message", map[string]any{"message_id": id.Value()}, nil)
		})
}

// MarkRead resets the conversation's unread count and marks read every
// message created up to before. Later messages stay unread.
func (m *Messages) MarkRead(ctx context.Context, conversationID string, before time.Time) error {
	return m.conversations.Mutate(ctx, m.userID, "mark_messages_read", NewToken(),
		UpdateWhere(func(c Conversation) bool { return c.ID == conversationID }, func(c Conversation) Conversation {
			c.UnreadCount = 0
			return c
		}),
		func(ctx context.Context) error {
			return m.caller.Call(ctx, "mark_messages_read", map[string]any{
				"conversation_id": conversationID,
				"before":          before.UTC().Format(time.RFC3339Nano),
			}, nil)
		})
}

func (m *Messages) sendCall(conversationID, content string, token Token) func(context.Context) error {
	return func(ctx context.Context) error {
		return m.caller.Call(ctx, "send_message", map[string]any{
			"conversation_id": conversationID,
			"content":         content,
			"client_token":    token,
		}, nil)
	}
}

// resolve checks that a message can be sent to conversationID: it must be
// open or listed, and not blocked.
func (m *Messages) resolve(conversationID string) error {
	if conversationID == "" {
		return ErrUnknownConversation
	}
	conv, listed := m.conversations.find(m.userID, func(c Conversation) bool { return c.ID == conversationID })
	if listed && conv.IsBlocked {
		return ErrConversationBlocked
	}
	if !listed && !m.messages.registry.IsSubscribed(m.messages.Key(conversationID)) {
		return ErrUnknownConversation
	}
	return nil
}
