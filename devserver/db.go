package devserver

import (
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/LuminPulse-AI/tasksync"
)

type user struct {
	ID          string
	Username    string
	DisplayName string
}

type conversation struct {
	ID        string
	Members   [2]string
	BlockedBy string
}

func (c *conversation) has(userID string) bool {
	return c.Members[0] == userID || c.Members[1] == userID
}

func (c *conversation) other(userID string) string {
	if c.Members[0] == userID {
		return c.Members[1]
	}
	return c.Members[0]
}

type message struct {
	ID             string
	ConversationID string
	Content        string
	SenderID       string
	CreatedAt      time.Time
	Deleted        bool
	ClientToken    tasksync.Token
	Read           bool
}

type friendRequest struct {
	ID          string
	RequesterID string
	ReceiverID  string
	Status      string
	CreatedAt   time.Time
}

type notification struct {
	tasksync.Notification
	UserID string
}

// db is the in-memory table set. All access goes through mu.
type db struct {
	mu sync.Mutex

	seq           map[string]int
	users         map[string]*user
	conversations map[string]*conversation
	messages      []*message
	requests      []*friendRequest
	friendships   mapset.Set[string] // "a|b", both directions stored
	tasks         map[string]*tasksync.Task
	shares        []*tasksync.SharedTask
	comments      []*tasksync.Comment
	notifications []*notification
}

func newDB() *db {
	return &db{
		seq:           make(map[string]int),
		users:         make(map[string]*user),
		conversations: make(map[string]*conversation),
		friendships:   mapset.NewThreadUnsafeSet[string](),
		tasks:         make(map[string]*tasksync.Task),
	}
}

// nextID returns prefix followed by a per-prefix counter: m1, m2, ...
func (d *db) nextID(prefix string) string {
	d.seq[prefix]++
	return fmt.Sprintf("%s%d", prefix, d.seq[prefix])
}

func friendKey(a, b string) string { return a + "|" + b }

func (d *db) areFriends(a, b string) bool {
	return d.friendships.Contains(friendKey(a, b))
}

func (d *db) befriend(a, b string) {
	d.friendships.Add(friendKey(a, b))
	d.friendships.Add(friendKey(b, a))
}

func (d *db) unfriend(a, b string) {
	d.friendships.Remove(friendKey(a, b))
	d.friendships.Remove(friendKey(b, a))
}

func (d *db) pendingBetween(a, b string) *friendRequest {
	for _, r := range d.requests {
		if r.Status != "pending" {
			continue
		}
		if (r.RequesterID == a && r.ReceiverID == b) || (r.RequesterID == b && r.ReceiverID == a) {
			return r
		}
	}
	return nil
}

func (d *db) participant(id string) tasksync.Participant {
	u := d.users[id]
	if u == nil {
		return tasksync.Participant{ID: id, Username: id}
	}
	return tasksync.Participant{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName}
}

func (d *db) conversationView(c *conversation, viewer string) tasksync.Conversation {
	out := tasksync.Conversation{
		ID:               c.ID,
		OtherParticipant: d.participant(c.other(viewer)),
		IsBlocked:        c.BlockedBy != "",
	}
	for _, m := range d.messages {
		if m.ConversationID != c.ID {
			continue
		}
		if m.CreatedAt.After(out.LastMessageAt) {
			out.LastMessageAt = m.CreatedAt
		}
		if m.SenderID != viewer && !m.Read && !m.Deleted {
			out.UnreadCount++
		}
	}
	return out
}

func messageView(m *message, viewer string) tasksync.Message {
	out := tasksync.Message{
		ID:                tasksync.ConfirmedID(m.ID),
		ConversationID:    m.ConversationID,
		Content:           m.Content,
		SenderID:          m.SenderID,
		CreatedAt:         m.CreatedAt,
		IsFromCurrentUser: m.SenderID == viewer,
		IsReadByOthers:    m.SenderID == viewer && m.Read,
		IsDeleted:         m.Deleted,
		ClientToken:       m.ClientToken,
	}
	if m.Deleted {
		out.Content = ""
	}
	return out
}

func messageRecord(m *message) map[string]any {
	return map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"is_deleted":      m.Deleted,
	}
}

func sortByTime[T any](items []T, at func(T) time.Time) {
	sort.SliceStable(items, func(i, j int) bool { return at(items[i]).Before(at(items[j])) })
}

func sortByID[T tasksync.Record](items []T) {
	sort.Slice(items, func(i, j int) bool { return items[i].RecordID().Value() < items[j].RecordID().Value() })
}
