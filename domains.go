package tasksync

import (
	"context"
	"strings"
	"time"
)

// ============================================================================
// Tasks
// ============================================================================

// Tasks is the store of tasks owned by a user, keyed by user id.
type Tasks struct {
	*Store[Task]
	caller Caller
	now    func() time.Time
}

func newTasks(e *Engine) *Tasks {
	return &Tasks{
		Store: NewStore(e, Definition[Task]{
			Domain: DomainTasks,
			Filter: func(userID string) Filter {
				return Filter{Table: "tasks", Column: "owner_id", Value: userID}
			},
			Fetch: fetchList[Task]("get_tasks", "owner_id"),
		}),
		caller: e.caller,
		now:    e.now,
	}
}

// SetStatus moves a task to status.
func (t *Tasks) SetStatus(ctx context.Context, ownerID, taskID string, status TaskStatus) error {
	if !status.Valid() {
		return ErrInvalidTaskStatus
	}
	return t.Mutate(ctx, ownerID, "set_task_status", NewToken(),
		Update(ConfirmedID(taskID), func(task Task) Task {
			task.Status = status
			task.UpdatedAt = t.now()
			return task
		}),
		func(ctx context.Context) error {
			return t.caller.Call(ctx, "set_task_status", map[string]any{"task_id": taskID, "status": status}, nil)
		})
}

// ============================================================================
// Shared tasks
// ============================================================================

// SharedTasks is the store of a task's shares, keyed by task id.
type SharedTasks struct {
	*Store[SharedTask]
	caller Caller
}

func newSharedTasks(e *Engine) *SharedTasks {
	return &SharedTasks{
		Store: NewStore(e, Definition[SharedTask]{
			Domain: DomainSharedTasks,
			Filter: func(taskID string) Filter {
				return Filter{Table: "shared_tasks", Column: "task_id", Value: taskID}
			},
			Fetch: fetchList[SharedTask]("get_shared_tasks", "task_id"),
		}),
		caller: e.caller,
	}
}

// Share grants userID access to a task.
func (s *SharedTasks) Share(ctx context.Context, taskID, userID, permission string) error {
	if permission == "" {
		permission = "view"
	}
	token := NewToken()
	share := SharedTask{
		ID:           NewPendingID(),
		TaskID:       taskID,
		SharedWithID: userID,
		Permission:   permission,
		ClientToken:  token,
	}
	return s.Mutate(ctx, taskID, "share_task", token, Append(share),
		func(ctx context.Context) error {
			return s.caller.Call(ctx, "share_task", map[string]any{
				"task_id":        taskID,
				"shared_with_id": userID,
				"permission":     permission,
				"client_token":   token,
			}, nil)
		})
}

// ============================================================================
// Comments
// ============================================================================

// Comments is the store of a task's comments, keyed by task id.
type Comments struct {
	*Store[Comment]
	userID string
	caller Caller
	now    func() time.Time
}

func newComments(e *Engine) *Comments {
	return &Comments{
		Store: NewStore(e, Definition[Comment]{
			Domain: DomainComments,
			Filter: func(taskID string) Filter {
				return Filter{Table: "comments", Column: "task_id", Value: taskID}
			},
			Fetch: fetchList[Comment]("get_comments", "task_id"),
			Less:  CommentLess,
		}),
		userID: e.cfg.UserID,
		caller: e.caller,
		now:    e.now,
	}
}

// Add posts a comment on a task.
func (c *Comments) Add(ctx context.Context, taskID, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	token := NewToken()
	comment := Comment{
		ID:           NewPendingID(),
		TaskID:       taskID,
		AuthorID:     c.userID,
		Content:      content,
		CreatedAt:    c.now(),
		ClientToken:  token,
		IsOptimistic: true,
	}
	return c.Mutate(ctx, taskID, "add_comment", token, Append(comment),
		func(ctx context.Context) error {
			return c.caller.Call(ctx, "add_comment", map[string]any{
				"task_id":      taskID,
				"content":      content,
				"client_token": token,
			}, nil)
		})
}

// ============================================================================
// Notifications
// ============================================================================

// Notifications is the store of a user's in-app notifications, keyed by
// user id.
type Notifications struct {
	*Store[Notification]
	caller Caller
}

func newNotifications(e *Engine) *Notifications {
	return &Notifications{
		Store: NewStore(e, Definition[Notification]{
			Domain: DomainNotifications,
			Filter: func(userID string) Filter {
				return Filter{Table: "notifications", Column: "user_id", Value: userID}
			},
			Fetch: fetchList[Notification]("get_notifications", "user_id"),
			Less: func(a, b Notification) bool {
				return a.CreatedAt.After(b.CreatedAt)
			},
		}),
		caller: e.caller,
	}
}

// Unread counts the cached unread notifications of userID.
func (n *Notifications) Unread(userID string) int {
	count := 0
	for _, note := range n.State(userID).Data {
		if !note.IsRead {
			count++
		}
	}
	return count
}

// MarkRead marks one notification read.
func (n *Notifications) MarkRead(ctx context.Context, userID, notificationID string) error {
	if _, ok := n.find(userID, func(note Notification) bool { return note.ID == notificationID }); !ok {
		return ErrNotificationNotFound
	}
	return n.Mutate(ctx, userID, "mark_notification_read", NewToken(),
		Update(ConfirmedID(notificationID), func(note Notification) Notification {
			note.IsRead = true
			return note
		}),
		func(ctx context.Context) error {
			return n.caller.Call(ctx, "mark_notification_read", map[string]any{"notification_id": notificationID}, nil)
		})
}
