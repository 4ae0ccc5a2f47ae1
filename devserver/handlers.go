package devserver

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/LuminPulse-AI/tasksync"
	"github.com/LuminPulse-AI/tasksync/wire"
)

type change struct {
	table  string
	event  string
	record map[string]any
}

// commit publishes changes collected while the db lock was held.
func (s *Server) commit(changes ...change) {
	for _, c := range changes {
		s.publish(c.table, c.event, c.record)
	}
}

func participantChanges(c *conversation) []change {
	return []change{
		{"conversation_participants", wire.EventUpdate, map[string]any{"conversation_id": c.ID, "user_id": c.Members[0]}},
		{"conversation_participants", wire.EventUpdate, map[string]any{"conversation_id": c.ID, "user_id": c.Members[1]}},
	}
}

// ============================================================================
// Conversations & messages
// ============================================================================

func (s *Server) getConversations(user string, _ json.RawMessage) (any, error) {
	d := s.db
	d.mu.Lock()
	defer d.mu.Unlock()

	out := []tasksync.Conversation{}
	for _, c := range d.conversations {
		if c.has(user) {
			out = append(out, d.conversationView(c, user))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Server) getMessages(user string, raw json.RawMessage) (any, error) {
	var p struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	d := s.db
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.conversations[p.ConversationID]
	if c == nil || !c.has(user) {
		return nil, notFound("conversation %q", p.ConversationID)
	}
	out := []tasksync.Message{}
	for _, m := range d.messages {
		if m.ConversationID == c.ID {
			out = append(out, messageView(m, user))
		}
	}
	sortByTime(out, func(m tasksync.Message) time.Time { return m.CreatedAt })
	return out, nil
}

func (s *Server) sendMessage(user string, raw json.RawMessage) (any, error) {
	var p struct {
		ConversationID string         `json:"conversation_id"`
		Content        string         `json:"content"`
		ClientToken    tasksync.Token `json:"client_token"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, badRequest("content is empty")
	}

	d := s.db
	d.mu.Lock()
	c := d.conversations[p.ConversationID]
	if c == nil || !c.has(user) {
		d.mu.Unlock()
		return nil, notFound("conversation %q", p.ConversationID)
	}
	if c.BlockedBy != "" {
		d.mu.Unlock()
		return nil, forbidden("conversation is blocked")
	}
	if p.ClientToken != "" {
		for _, m := range d.messages {
			if m.ClientToken == p.ClientToken {
				view := messageView(m, user)
				d.mu.Unlock()
				return view, nil
			}
		}
	}
	m := &message{
		ID:             d.nextID("m"),
		ConversationID: c.ID,
		Content:        p.Content,
		SenderID:       user,
		CreatedAt:      s.now(),
		ClientToken:    p.ClientToken,
	}
	d.messages = append(d.messages, m)
	view := messageView(m, user)
	changes := append([]change{{"messages", wire.EventInsert, messageRecord(m)}}, participantChanges(c)...)
	d.mu.Unlock()

	s.commit(changes...)
	return view, nil
}

func (s *Server) deleteMessage(user string, raw json.RawMessage) (any, error) {
	var p struct {
		MessageID string `json:"message_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	d := s.db
	d.mu.Lock()
	var m *message
	for _, row := range d.messages {
		if row.ID == p.MessageID {
			m = row
		}
	}
	if m == nil {
		d.mu.Unlock()
		return nil, notFound("message %q", p.MessageID)
	}
	if m.SenderID != user {
		d.mu.Unlock()
		return nil, forbidden("only the sender can delete a message")
	}
	m.Deleted = true
	rec := messageRecord(m)
	d.mu.Unlock()

	s.commit(change{"messages", wire.EventUpdate, rec})
	return map[string]any{"id": p.MessageID}, nil
}

func (s *Server) markMessagesRead(user string, raw json.RawMessage) (any, error) {
	var p struct {
		ConversationID string    `json:"conversation_id"`
		Before         time.Time `json:"before"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Before.IsZero() {
		p.Before = s.now()
	}
	d := s.db
	d.mu.Lock()
	c := d.conversations[p.ConversationID]
	if c == nil || !c.has(user) {
		d.mu.Unlock()
		return nil, notFound("conversation %q", p.ConversationID)
	}
	marked := 0
	for _, m := range d.messages {
		if m.ConversationID == c.ID && m.SenderID != user && !m.Read && !m.CreatedAt.After(p.Before) {
			m.Read = true
			marked++
		}
	}
	d.mu.Unlock()

	if marked > 0 {
		s.commit(append([]change{{"messages", wire.EventUpdate, map[string]any{"conversation_id": c.ID}}}, participantChanges(c)...)...)
	}
	return map[string]any{"marked": marked}, nil
}

// ============================================================================
// Friendships
// ============================================================================

func (s *Server) getFriends(user string, _ json.RawMessage) (any, error) {
	d := s.db
	d.mu.Lock()
	defer d.mu.Unlock()

	out := []tasksync.Friend{}
	for _, u := range d.users {
		if u.ID == user {
			continue
		}
		f := tasksync.Friend{
			ID:          u.ID,
			Username:    u.Username,
			DisplayName: u.DisplayName,
			IsFriend:    d.areFriends(user, u.ID),
		}
		if r := d.pendingBetween(user, u.ID); r != nil {
			f.HasPendingRequest = true
			f.RequestID = r.ID
			f.RequestIncoming = r.ReceiverID == user
		}
		if f.IsFriend || f.HasPendingRequest {
			out = append(out, f)
		}
	}
	sortByID(out)
	return out, nil
}

func (s *Server) getFriendRequests(user string, _ json.RawMessage) (any, error) {
	d := s.db
	d.mu.Lock()
	defer d.mu.Unlock()

	out := []tasksync.FriendRequest{}
	for _, r := range d.requests {
		if r.ReceiverID == user && r.Status == "pending" {
			out = append(out, tasksync.FriendRequest{
				ID:          r.ID,
				RequesterID: r.RequesterID,
				ReceiverID:  r.ReceiverID,
				Status:      r.Status,
				CreatedAt:   r.CreatedAt,
			})
		}
	}
	return out, nil
}

func friendshipChanges(event string, a, b string) []change {
	return []change{
		{"friendships", event, map[string]any{"user_id": a, "friend_id": b}},
		{"friendships", event, map[string]any{"user_id": b, "friend_id": a}},
	}
}

func requestRecord(r *friendRequest) map[string]any {
	return map[string]any{
		"id":           r.ID,
		"requester_id": r.RequesterID,
		"receiver_id":  r.ReceiverID,
		"status":       r.Status,
	}
}

func (s *Server) sendFriendRequest(user string, raw json.RawMessage) (any, error) {
	var p struct {
		ReceiverID string `json:"receiver_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	d := s.db
	d.mu.Lock()
	if d.users[p.ReceiverID] == nil || p.ReceiverID == user {
		d.mu.Unlock()
		return nil, notFound("user %q", p.ReceiverID)
	}
	if d.areFriends(user, p.ReceiverID) || d.pendingBetween(user, p.ReceiverID) != nil {
		d.mu.Unlock()
		return nil, badRequest("already friends or request pending")
	}
	r := &friendRequest{
		ID:          d.nextID("fr"),
		RequesterID: user,
		ReceiverID:  p.ReceiverID,
		Status:      "pending",
		CreatedAt:   s.now(),
	}
	d.requests = append(d.requests, r)
	changes := append([]change{{"friend_requests", wire.EventInsert, requestRecord(r)}}, friendshipChanges(wire.EventUpdate, user, p.ReceiverID)...)
	d.mu.Unlock()

	s.commit(changes...)
	return map[string]any{"id": r.ID}, nil
}

func (s *Server) acceptFriendRequest(user string, raw json.RawMessage) (any, error) {
	return s.resolveFriendRequest(user, raw, "accepted")
}

func (s *Server) rejectFriendRequest(user string, raw json.RawMessage) (any, error) {
	return s.resolveFriendRequest(user, raw, "rejected")
}

func (s *Server) resolveFriendRequest(user string, raw json.RawMessage, status string) (any, error) {
	var p struct {
		RequestID string `json:"request_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	d := s.db
	d.mu.Lock()
	var r *friendRequest
	for _, row := range d.requests {
		if row.ID == p.RequestID {
			r = row
		}
	}
	if r == nil || r.ReceiverID != user || r.Status != "pending" {
		d.mu.Unlock()
		return nil, notFound("pending request %q", p.RequestID)
	}
	r.Status = status
	changes := []change{{"friend_requests", wire.EventUpdate, requestRecord(r)}}
	if status == "accepted" {
		d.befriend(r.RequesterID, r.ReceiverID)
		changes = append(changes, friendshipChanges(wire.EventInsert, r.RequesterID, r.ReceiverID)...)
		changes = append(changes, d.notify(r.RequesterID, "friend_accepted", d.participant(user).Username+" accepted your friend request", s.now()))
	} else {
		changes = append(changes, friendshipChanges(wire.EventUpdate, r.RequesterID, r.ReceiverID)...)
	}
	d.mu.Unlock()

	s.commit(changes...)
	return map[string]any{"id": r.ID, "status": status}, nil
}

func (s *Server) removeFriend(user string, raw json.RawMessage) (any, error) {
	var p struct {
		FriendID string `json:"friend_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	d := s.db
	d.mu.Lock()
	if !d.areFriends(user, p.FriendID) {
		d.mu.Unlock()
		return nil, notFound("friend %q", p.FriendID)
	}
	d.unfriend(user, p.FriendID)
	changes := friendshipChanges(wire.EventDelete, user, p.FriendID)
	d.mu.Unlock()

	s.commit(changes...)
	return map[string]any{"removed": p.FriendID}, nil
}

// ============================================================================
// Tasks, shares, comments, notifications
// ============================================================================

func taskRecord(t *tasksync.Task) map[string]any {
	return map[string]any{"id": t.ID, "owner_id": t.OwnerID, "status": t.Status}
}

func (s *Server) getTasks(user string, raw json.RawMessage) (any, error) {
	var p struct {
		OwnerID string `json:"owner_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.OwnerID == "" {
		p.OwnerID = user
	}
	d := s.db
	d.mu.Lock()
	defer d.mu.Unlock()

	out := []tasksync.Task{}
	for _, t := range d.tasks {
		if t.OwnerID == p.OwnerID && d.canSee(user, t) {
			out = append(out, *t)
		}
	}
	sortByID(out)
	return out, nil
}

func (d *db) canSee(user string, t *tasksync.Task) bool {
	if t.OwnerID == user {
		return true
	}
	for _, sh := range d.shares {
		if sh.TaskID == t.ID && sh.SharedWithID == user {
			return true
		}
	}
	return false
}

func (s *Server) setTaskStatus(user string, raw json.RawMessage) (any, error) {
	var p struct {
		TaskID string              `json:"task_id"`
		Status tasksync.TaskStatus `json:"status"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if !p.Status.Valid() {
		return nil, badRequest("invalid status %q", p.Status)
	}
	d := s.db
	d.mu.Lock()
	t := d.tasks[p.TaskID]
	if t == nil || !d.canSee(user, t) {
		d.mu.Unlock()
		return nil, notFound("task %q", p.TaskID)
	}
	t.Status = p.Status
	t.UpdatedAt = s.now()
	out := *t
	rec := taskRecord(t)
	d.mu.Unlock()

	s.commit(change{"tasks", wire.EventUpdate, rec})
	return out, nil
}

func (s *Server) getSharedTasks(user string, raw json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	d := s.db
	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.tasks[p.TaskID]
	if t == nil || !d.canSee(user, t) {
		return nil, notFound("task %q", p.TaskID)
	}
	out := []tasksync.SharedTask{}
	for _, sh := range d.shares {
		if sh.TaskID == p.TaskID {
			out = append(out, *sh)
		}
	}
	return out, nil
}

func (s *Server) shareTask(user string, raw json.RawMessage) (any, error) {
	var p struct {
		TaskID       string         `json:"task_id"`
		SharedWithID string         `json:"shared_with_id"`
		Permission   string         `json:"permission"`
		ClientToken  tasksync.Token `json:"client_token"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	d := s.db
	d.mu.Lock()
	t := d.tasks[p.TaskID]
	if t == nil || t.OwnerID != user {
		d.mu.Unlock()
		return nil, notFound("task %q", p.TaskID)
	}
	if d.users[p.SharedWithID] == nil {
		d.mu.Unlock()
		return nil, notFound("user %q", p.SharedWithID)
	}
	sh := &tasksync.SharedTask{
		ID:           tasksync.ConfirmedID(d.nextID("sh")),
		TaskID:       p.TaskID,
		SharedWithID: p.SharedWithID,
		Permission:   p.Permission,
		ClientToken:  p.ClientToken,
	}
	d.shares = append(d.shares, sh)
	changes := []change{
		{"shared_tasks", wire.EventInsert, map[string]any{"id": sh.ID.Value(), "task_id": sh.TaskID, "shared_with_id": sh.SharedWithID}},
		d.notify(p.SharedWithID, "task_shared", d.participant(user).Username+" shared \""+t.Title+"\" with you", s.now()),
	}
	out := *sh
	d.mu.Unlock()

	s.commit(changes...)
	return out, nil
}

func (s *Server) getComments(user string, raw json.RawMessage) (any, error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	d := s.db
	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.tasks[p.TaskID]
	if t == nil || !d.canSee(user, t) {
		return nil, notFound("task %q", p.TaskID)
	}
	out := []tasksync.Comment{}
	for _, c := range d.comments {
		if c.TaskID == p.TaskID {
			out = append(out, *c)
		}
	}
	sortByTime(out, func(c tasksync.Comment) time.Time { return c.CreatedAt })
	return out, nil
}

func (s *Server) addComment(user string, raw json.RawMessage) (any, error) {
	var p struct {
		TaskID      string         `json:"task_id"`
		Content     string         `json:"content"`
		ClientToken tasksync.Token `json:"client_token"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Content) == "" {
		return nil, badRequest("content is empty")
	}
	d := s.db
	d.mu.Lock()
	t := d.tasks[p.TaskID]
	if t == nil || !d.canSee(user, t) {
		d.mu.Unlock()
		return nil, notFound("task %q", p.TaskID)
	}
	c := &tasksync.Comment{
		ID:          tasksync.ConfirmedID(d.nextID("c")),
		TaskID:      p.TaskID,
		AuthorID:    user,
		Content:     p.Content,
		CreatedAt:   s.now(),
		ClientToken: p.ClientToken,
	}
	d.comments = append(d.comments, c)
	out := *c
	d.mu.Unlock()

	s.commit(change{"comments", wire.EventInsert, map[string]any{"id": c.ID.Value(), "task_id": c.TaskID, "author_id": user}})
	return out, nil
}

// notify inserts a notification row; the caller holds d.mu and publishes the
// returned change after unlocking.
func (d *db) notify(userID, kind, body string, at time.Time) change {
	n := &notification{
		Notification: tasksync.Notification{ID: d.nextID("n"), Kind: kind, Body: body, CreatedAt: at},
		UserID:       userID,
	}
	d.notifications = append(d.notifications, n)
	return change{"notifications", wire.EventInsert, map[string]any{"id": n.ID, "user_id": userID, "kind": kind}}
}

func (s *Server) getNotifications(user string, _ json.RawMessage) (any, error) {
	d := s.db
	d.mu.Lock()
	defer d.mu.Unlock()

	out := []tasksync.Notification{}
	for _, n := range d.notifications {
		if n.UserID == user {
			out = append(out, n.Notification)
		}
	}
	return out, nil
}

func (s *Server) markNotificationRead(user string, raw json.RawMessage) (any, error) {
	var p struct {
		NotificationID string `json:"notification_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	d := s.db
	d.mu.Lock()
	var n *notification
	for _, row := range d.notifications {
		if row.ID == p.NotificationID && row.UserID == user {
			n = row
		}
	}
	if n == nil {
		d.mu.Unlock()
		return nil, notFound("notification %q", p.NotificationID)
	}
	n.IsRead = true
	d.mu.Unlock()

	s.commit(change{"notifications", wire.EventUpdate, map[string]any{"id": n.ID, "user_id": user}})
	return map[string]any{"id": n.ID}, nil
}
