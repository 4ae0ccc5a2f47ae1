package tasksync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTaskSetStatus(t *testing.T) {
	caller := newFakeCaller()
	var mu sync.Mutex
	tasks := []Task{{ID: "t1", OwnerID: "alice", Title: "Write notes", Status: TaskTodo, UpdatedAt: t0}}
	caller.handle("get_tasks", list(&mu, &tasks))
	e := newTestEngine(t, caller, newFakeTransport())
	ctx := context.Background()

	if err := e.Tasks().Subscribe(ctx, "alice"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if st := e.Tasks().State("alice"); !st.Live || st.Loading || len(st.Data) != 1 {
		t.Fatalf("unexpected state %+v", st)
	}

	t.Run("invalid status", func(t *testing.T) {
		if err := e.Tasks().SetStatus(ctx, "alice", "t1", "archived"); !errors.Is(err, ErrInvalidTaskStatus) {
			t.Fatalf("expected ErrInvalidTaskStatus, got %v", err)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		caller.handle("set_task_status", func(map[string]any) (any, error) { return nil, errBackend })
		if err := e.Tasks().SetStatus(ctx, "alice", "t1", TaskDone); !errors.Is(err, errBackend) {
			t.Fatalf("expected backend error, got %v", err)
		}
		if got := e.Tasks().State("alice").Data[0]; got.Status != TaskTodo || !got.UpdatedAt.Equal(t0) {
			t.Fatalf("expected task restored, got %+v", got)
		}
	})

	t.Run("accepted", func(t *testing.T) {
		caller.handle("set_task_status", func(p map[string]any) (any, error) {
			if p["task_id"] != "t1" || p["status"] != "in_progress" {
				t.Errorf("unexpected params %v", p)
			}
			return nil, nil
		})
		if err := e.Tasks().SetStatus(ctx, "alice", "t1", TaskInProgress); err != nil {
			t.Fatalf("set status: %v", err)
		}
		if got := e.Tasks().State("alice").Data[0]; got.Status != TaskInProgress {
			t.Fatalf("expected in_progress, got %s", got.Status)
		}
	})
}

func TestShareTask(t *testing.T) {
	caller := newFakeCaller()
	var mu sync.Mutex
	var shares []SharedTask
	caller.handle("get_shared_tasks", list(&mu, &shares))
	caller.handle("share_task", func(p map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		shares = append(shares, SharedTask{
			ID:           ConfirmedID("s1"),
			TaskID:       p["task_id"].(string),
			SharedWithID: p["shared_with_id"].(string),
			Permission:   p["permission"].(string),
			ClientToken:  Token(p["client_token"].(string)),
		})
		return nil, nil
	})
	tr := newFakeTransport()
	e := newTestEngine(t, caller, tr)
	ctx := context.Background()

	if err := e.SharedTasks().Subscribe(ctx, "t1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := e.SharedTasks().Share(ctx, "t1", "bob", ""); err != nil {
		t.Fatalf("share: %v", err)
	}
	got := e.SharedTasks().State("t1").Data
	if len(got) != 1 || !got[0].ID.IsPending() || got[0].Permission != "view" {
		t.Fatalf("expected a speculative view share, got %+v", got)
	}

	tr.push("shared_tasks", map[string]any{"task_id": "t1"})
	e.Registry().wait()
	got = e.SharedTasks().State("t1").Data
	if len(got) != 1 || got[0].ID != ConfirmedID("s1") {
		t.Fatalf("expected the confirmed share only, got %+v", got)
	}
}

func TestAddComment(t *testing.T) {
	caller := newFakeCaller()
	var mu sync.Mutex
	comments := []Comment{{ID: ConfirmedID("k1"), TaskID: "t1", AuthorID: "bob", Content: "first", CreatedAt: t0}}
	caller.handle("get_comments", list(&mu, &comments))
	e := newTestEngine(t, caller, newFakeTransport())
	ctx := context.Background()
	e.Comments().Subscribe(ctx, "t1")

	if err := e.Comments().Add(ctx, "t1", " "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}

	var during []Comment
	caller.handle("add_comment", func(map[string]any) (any, error) {
		during = e.Comments().State("t1").Data
		return nil, errBackend
	})
	if err := e.Comments().Add(ctx, "t1", "second"); !errors.Is(err, errBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if len(during) != 2 || during[1].Content != "second" || !during[1].IsOptimistic {
		t.Fatalf("expected optimistic comment during the call, got %+v", during)
	}
	if got := e.Comments().State("t1").Data; len(got) != 1 {
		t.Fatalf("expected rollback to the first comment, got %+v", got)
	}
}

func TestNotifications(t *testing.T) {
	caller := newFakeCaller()
	var mu sync.Mutex
	notes := []Notification{
		{ID: "n1", Kind: "friend_request", Body: "carol wants to be friends", CreatedAt: t0},
		{ID: "n2", Kind: "task_shared", Body: "bob shared a task", CreatedAt: t0.Add(time.Hour)},
		{ID: "n3", Kind: "task_shared", Body: "old", IsRead: true, CreatedAt: t0.Add(-time.Hour)},
	}
	caller.handle("get_notifications", list(&mu, &notes))
	caller.handle("mark_notification_read", func(map[string]any) (any, error) { return nil, nil })
	e := newTestEngine(t, caller, newFakeTransport())
	ctx := context.Background()
	n := e.Notifications()
	n.Subscribe(ctx, "alice")

	got := n.State("alice").Data
	if got[0].ID != "n2" || got[2].ID != "n3" {
		t.Fatalf("expected newest first, got %+v", got)
	}
	if n.Unread("alice") != 2 {
		t.Fatalf("expected 2 unread, got %d", n.Unread("alice"))
	}

	if err := n.MarkRead(ctx, "alice", "n2"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n.Unread("alice") != 1 {
		t.Fatalf("expected 1 unread, got %d", n.Unread("alice"))
	}
	if err := n.MarkRead(ctx, "alice", "n404"); !errors.Is(err, ErrNotificationNotFound) {
		t.Fatalf("expected ErrNotificationNotFound, got %v", err)
	}
}

func TestStoreWithoutLiveChannel(t *testing.T) {
	caller := newFakeCaller()
	var mu sync.Mutex
	tasks := []Task{{ID: "t1", Status: TaskTodo}}
	caller.handle("get_tasks", list(&mu, &tasks))
	caller.handle("set_task_status", func(map[string]any) (any, error) { return nil, nil })
	tr := newFakeTransport()
	tr.failOpen = errBackend
	e := newTestEngine(t, caller, tr)
	ctx := context.Background()

	if err := e.Tasks().Subscribe(ctx, "alice"); !errors.Is(err, errBackend) {
		t.Fatalf("expected setup error, got %v", err)
	}
	st := e.Tasks().State("alice")
	if st.Live || len(st.Data) != 1 {
		t.Fatalf("expected data loaded without a live channel, got %+v", st)
	}

	// No optimistic path: the cache only changes on the next refresh.
	if err := e.Tasks().SetStatus(ctx, "alice", "t1", TaskDone); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if got := e.Tasks().State("alice").Data[0]; got.Status != TaskTodo {
		t.Fatalf("expected no speculative change, got %s", got.Status)
	}
	mu.Lock()
	tasks[0].Status = TaskDone
	mu.Unlock()
	if err := e.Tasks().Refresh(ctx, "alice"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := e.Tasks().State("alice").Data[0]; got.Status != TaskDone {
		t.Fatalf("expected refreshed status, got %s", got.Status)
	}
}

func TestStoreRefetchErrorState(t *testing.T) {
	caller := newFakeCaller()
	var mu sync.Mutex
	fail := false
	caller.handle("get_tasks", func(map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errBackend
		}
		return []Task{{ID: "t1"}}, nil
	})
	tr := newFakeTransport()
	e := newTestEngine(t, caller, tr)
	var surfaced []*RefetchError
	e.OnRefetchError(func(err *RefetchError) { surfaced = append(surfaced, err) })
	e.Tasks().Subscribe(context.Background(), "alice")

	mu.Lock()
	fail = true
	mu.Unlock()
	for i := 0; i < 3; i++ {
		tr.push("tasks", map[string]any{"owner_id": "alice"})
		e.Registry().wait()
	}

	st := e.Tasks().State("alice")
	if len(st.Data) != 1 {
		t.Fatal("stale data must be kept")
	}
	var rerr *RefetchError
	if !errors.As(st.Err, &rerr) || rerr.Failures != 3 {
		t.Fatalf("expected RefetchError in state, got %v", st.Err)
	}
	if len(surfaced) != 1 {
		t.Fatalf("expected one surfaced refetch error, got %d", len(surfaced))
	}
}
