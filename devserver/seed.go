package devserver

import (
	"fmt"

	"github.com/LuminPulse-AI/tasksync"
	"github.com/LuminPulse-AI/tasksync/wire"
)

// AddUser creates a user. The user's id doubles as their bearer token.
func (s *Server) AddUser(id, username, displayName string) {
	d := s.db
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id] = &user{ID: id, Username: username, DisplayName: displayName}
}

// AddConversation creates a direct conversation between a and b.
func (s *Server) AddConversation(id, a, b string) error {
	d := s.db
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.users[a] == nil || d.users[b] == nil {
		return fmt.Errorf("add conversation %s: unknown participant", id)
	}
	d.conversations[id] = &conversation{ID: id, Members: [2]string{a, b}}
	return nil
}

// Block marks a conversation as blocked by userID.
func (s *Server) Block(conversationID, userID string) error {
	d := s.db
	d.mu.Lock()
	c := d.conversations[conversationID]
	if c == nil {
		d.mu.Unlock()
		return fmt.Errorf("block %s: unknown conversation", conversationID)
	}
	c.BlockedBy = userID
	changes := participantChanges(c)
	d.mu.Unlock()

	s.commit(changes...)
	return nil
}

// AddMessage inserts a message as if senderID had sent it and publishes it.
func (s *Server) AddMessage(conversationID, senderID, content string) (string, error) {
	d := s.db
	d.mu.Lock()
	c := d.conversations[conversationID]
	if c == nil || !c.has(senderID) {
		d.mu.Unlock()
		return "", fmt.Errorf("add message: %s is not in %s", senderID, conversationID)
	}
	m := &message{
		ID:             d.nextID("m"),
		ConversationID: conversationID,
		Content:        content,
		SenderID:       senderID,
		CreatedAt:      s.now(),
	}
	d.messages = append(d.messages, m)
	changes := append([]change{{"messages", wire.EventInsert, messageRecord(m)}}, participantChanges(c)...)
	d.mu.Unlock()

	s.commit(changes...)
	return m.ID, nil
}

// AddFriendRequest creates a pending request from requester to receiver.
func (s *Server) AddFriendRequest(requester, receiver string) (string, error) {
	d := s.db
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.users[requester] == nil || d.users[receiver] == nil {
		return "", fmt.Errorf("add friend request: unknown user")
	}
	r := &friendRequest{
		ID:          d.nextID("fr"),
		RequesterID: requester,
		ReceiverID:  receiver,
		Status:      "pending",
		CreatedAt:   s.now(),
	}
	d.requests = append(d.requests, r)
	return r.ID, nil
}

// Befriend makes a and b friends.
func (s *Server) Befriend(a, b string) {
	d := s.db
	d.mu.Lock()
	defer d.mu.Unlock()
	d.befriend(a, b)
}

// AddTask creates a task in the todo state.
func (s *Server) AddTask(id, ownerID, title string) {
	d := s.db
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks[id] = &tasksync.Task{
		ID:        id,
		OwnerID:   ownerID,
		Title:     title,
		Status:    tasksync.TaskTodo,
		UpdatedAt: s.now(),
	}
}

// SeedDemo loads a small data set: alice, bob and carol; alice and bob share
// a conversation and are friends; carol has asked alice to be friends.
func (s *Server) SeedDemo() {
	s.AddUser("alice", "alice", "Alice")
	s.AddUser("bob", "bob", "Bob")
	s.AddUser("carol", "carol", "Carol")
	s.AddConversation("c1", "alice", "bob")
	s.AddConversation("c2", "alice", "carol")
	s.Befriend("alice", "bob")
	s.AddFriendRequest("carol", "alice")
	s.AddTask("t1", "alice", "Write the release notes")
	s.AddTask("t2", "alice", "Review open pull requests")
	s.AddMessage("c1", "bob", "hey, are we still on for tomorrow?")
}
