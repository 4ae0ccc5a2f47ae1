package tasksync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LuminPulse-AI/tasksync/wire"
)

// ============================================================================
// Shared Types
// ============================================================================

// RPCError is a failure reported by the backend for a remote call.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *RPCError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// RPCResult is the response envelope of every remote call.
type RPCResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *RPCError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *RPCResult) Decode(v interface{}) error {
	if r.Data == nil || v == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

var (
	ErrNotSubscribed        = errors.New("key is not subscribed")
	ErrEmptyContent         = errors.New("message content is empty")
	ErrUnknownConversation  = errors.New("conversation cannot be resolved")
	ErrConversationBlocked  = errors.New("conversation is blocked")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotRetryable         = errors.New("message is not in a failed state")
	ErrClosed               = errors.New("engine closed")
	ErrRequestNotFound      = errors.New("friend request not found")
	ErrNotConfirmed         = errors.New("message has not been confirmed by the backend")
	ErrInvalidTaskStatus    = errors.New("invalid task status")
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrSubscriptionCancelled is returned by a Subscribe whose key was
	// unsubscribed while its channel was still opening.
	ErrSubscriptionCancelled = errors.New("subscription cancelled while opening")
)

// ============================================================================
// Keys
// ============================================================================

// Domain names a family of subscriptions.
type Domain string

const (
	DomainTasks          Domain = "tasks"
	DomainComments       Domain = "comments"
	DomainSharedTasks    Domain = "shared_tasks"
	DomainConversations  Domain = "conversations"
	DomainMessages       Domain = "messages"
	DomainFriendships    Domain = "friendships"
	DomainFriendRequests Domain = "friend_requests"
	DomainNotifications  Domain = "notifications"
)

// Key identifies at most one live change-notification channel.
type Key struct {
	Domain Domain
	ID     string
}

func (k Key) String() string {
	return string(k.Domain) + ":" + k.ID
}

// Filter scopes a push channel; see wire.Filter.
type Filter = wire.Filter

// ============================================================================
// Identifiers
// ============================================================================

// ID is either a local identifier of a record that only exists speculatively,
// or an identifier assigned by the backend. The two spaces never overlap.
type ID struct {
	value   string
	pending bool
}

// PendingID returns a local identifier for a speculative record.
func PendingID(local string) ID { return ID{value: local, pending: true} }

// ConfirmedID returns a backend-assigned identifier.
func ConfirmedID(server string) ID { return ID{value: server} }

// NewPendingID returns a fresh random local identifier.
func NewPendingID() ID { return PendingID(uuid.NewString()) }

// IsPending reports whether the id is local.
func (id ID) IsPending() bool { return id.pending }

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool { return id.value == "" }

// Value returns the raw identifier without its namespace.
func (id ID) Value() string { return id.value }

func (id ID) String() string {
	if id.pending {
		return "local:" + id.value
	}
	return id.value
}

// MarshalJSON renders confirmed ids as plain strings and pending ids as {"local": "..."}.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.pending {
		return json.Marshal(map[string]string{"local": id.value})
	}
	return json.Marshal(id.value)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var local struct {
			Local string `json:"local"`
		}
		if err := json.Unmarshal(data, &local); err != nil {
			return err
		}
		*id = PendingID(local.Local)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ConfirmedID(s)
	return nil
}

// Token references one optimistic operation. Mutations send it to the backend
// as client_token and the backend echoes it on the record it creates.
type Token string

// NewToken returns a fresh operation token.
func NewToken() Token { return Token(uuid.NewString()) }

// Record is implemented by every type held in a reconciled cache.
type Record interface {
	RecordID() ID
	// OpToken is the operation that created a pending record, or the token
	// the backend echoed on a canonical one. Empty when neither applies.
	OpToken() Token
	// Failed reports a speculative record whose mutation was rejected and
	// which is kept locally for retry.
	Failed() bool
}

// Entity is a Record with value semantics, so snapshots can be compared.
type Entity interface {
	comparable
	Record
}

// State is what a store exposes to UI code.
type State[T any] struct {
	Data    []T
	Loading bool
	Err     error
	// Live is false while the store has no working push channel.
	Live bool
}

// ============================================================================
// Conversations & Messages
// ============================================================================

// Participant is the other side of a direct conversation.
type Participant struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Conversation is a direct conversation as listed for the current user.
type Conversation struct {
	ID               string      `json:"id"`
	OtherParticipant Participant `json:"other_participant"`
	IsBlocked        bool        `json:"is_blocked"`
	UnreadCount      int         `json:"unread_count"`
	LastMessageAt    time.Time   `json:"last_message_at,omitempty"`
}

func (c Conversation) RecordID() ID   { return ConfirmedID(c.ID) }
func (c Conversation) OpToken() Token { return "" }
func (c Conversation) Failed() bool   { return false }

// DeletedPlaceholder replaces the content of soft-deleted messages.
const DeletedPlaceholder = "This message was deleted"

// Message is one entry of a conversation.
type Message struct {
	ID                ID        `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	Content           string    `json:"content"`
	SenderID          string    `json:"sender_id"`
	CreatedAt         time.Time `json:"created_at"`
	IsFromCurrentUser bool      `json:"is_from_current_user"`
	IsReadByOthers    bool      `json:"is_read_by_others"`
	IsDeleted         bool      `json:"is_deleted"`
	ClientToken       Token     `json:"client_token,omitempty"`

	IsOptimistic bool `json:"is_optimistic,omitempty"`
	IsFailed     bool `json:"failed,omitempty"`
}

func (m Message) RecordID() ID   { return m.ID }
func (m Message) OpToken() Token { return m.ClientToken }
func (m Message) Failed() bool   { return m.IsFailed }

// DisplayContent is the text to render; deleted messages keep their slot but
// never show their original content.
func (m Message) DisplayContent() string {
	if m.IsDeleted {
		return DeletedPlaceholder
	}
	return m.Content
}

// ============================================================================
// Friendships
// ============================================================================

// Friend is a user row as seen by the current user.
type Friend struct {
	ID                string `json:"id"`
	Username          string `json:"username"`
	DisplayName       string `json:"display_name,omitempty"`
	IsFriend          bool   `json:"is_friend"`
	HasPendingRequest bool   `json:"has_pending_request"`
	RequestID         string `json:"request_id,omitempty"`
	// RequestIncoming is true when the pending request was sent to the current user.
	RequestIncoming bool `json:"request_incoming,omitempty"`
}

func (f Friend) RecordID() ID   { return ConfirmedID(f.ID) }
func (f Friend) OpToken() Token { return "" }
func (f Friend) Failed() bool   { return false }

// FriendRequest is a pending request addressed to the current user.
type FriendRequest struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requester_id"`
	ReceiverID  string    `json:"receiver_id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r FriendRequest) RecordID() ID   { return ConfirmedID(r.ID) }
func (r FriendRequest) OpToken() Token { return "" }
func (r FriendRequest) Failed() bool   { return false }

// ============================================================================
// Tasks, Comments, Notifications
// ============================================================================

// TaskStatus is the workflow state of a task.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskDone:
		return true
	}
	return false
}

// Task is a task owned by or shared with the current user.
type Task struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Title     string     `json:"title"`
	Status    TaskStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (t Task) RecordID() ID   { return ConfirmedID(t.ID) }
func (t Task) OpToken() Token { return "" }
func (t Task) Failed() bool   { return false }

// SharedTask records that a task is shared with another user.
type SharedTask struct {
	ID           ID     `json:"id"`
	TaskID       string `json:"task_id"`
	SharedWithID string `json:"shared_with_id"`
	Permission   string `json:"permission"`
	ClientToken  Token  `json:"client_token,omitempty"`
}

func (s SharedTask) RecordID() ID   { return s.ID }
func (s SharedTask) OpToken() Token { return s.ClientToken }
func (s SharedTask) Failed() bool   { return false }

// Comment is a comment on a task.
type Comment struct {
	ID          ID        `json:"id"`
	TaskID      string    `json:"task_id"`
	AuthorID    string    `json:"author_id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	ClientToken Token     `json:"client_token,omitempty"`

	IsOptimistic bool `json:"is_optimistic,omitempty"`
}

func (c Comment) RecordID() ID   { return c.ID }
func (c Comment) OpToken() Token { return c.ClientToken }
func (c Comment) Failed() bool   { return false }

// Notification is an in-app notification for the current user.
type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Body      string    `json:"body"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

func (n Notification) RecordID() ID   { return ConfirmedID(n.ID) }
func (n Notification) OpToken() Token { return "" }
func (n Notification) Failed() bool   { return false }
