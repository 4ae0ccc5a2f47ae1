package tasksync

import (
	"reflect"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func msgAt(id ID, content string, at time.Time, token Token) Message {
	return Message{ID: id, ConversationID: "C42", Content: content, CreatedAt: at, ClientToken: token}
}

func TestReconcile(t *testing.T) {
	pendingSet := func(tokens ...Token) func(Token) bool {
		set := make(map[Token]bool)
		for _, tok := range tokens {
			set[tok] = true
		}
		return func(tok Token) bool { return set[tok] }
	}

	t.Run("echoed token supersedes speculative record", func(t *testing.T) {
		spec := msgAt(PendingID("p1"), "hello", t0.Add(time.Second), "tok")
		canonical := []Message{msgAt(ConfirmedID("m1"), "hello", t0, "tok")}

		got := Reconcile(canonical, []Message{spec}, pendingSet("tok"), MessageLess)
		if !reflect.DeepEqual(got, canonical) {
			t.Fatalf("expected only canonical, got %v", contents(got))
		}
	})

	t.Run("pending records follow canonical order", func(t *testing.T) {
		canonical := []Message{
			msgAt(ConfirmedID("m2"), "b", t0.Add(2*time.Second), ""),
			msgAt(ConfirmedID("m1"), "a", t0, ""),
		}
		spec := msgAt(PendingID("p1"), "c", t0.Add(time.Second), "tok")

		got := Reconcile(canonical, []Message{spec}, pendingSet("tok"), MessageLess)
		want := []string{"m1:a", "local:p1:c", "m2:b"}
		if !reflect.DeepEqual(contents(got), want) {
			t.Fatalf("expected %v, got %v", want, contents(got))
		}
	})

	t.Run("speculative record sorts after equal canonical", func(t *testing.T) {
		canonical := []Message{msgAt(ConfirmedID("m1"), "a", t0, "")}
		spec := msgAt(PendingID("p1"), "b", t0, "tok")

		got := Reconcile(canonical, []Message{spec}, pendingSet("tok"), MessageLess)
		if got[1].ID != spec.ID {
			t.Fatalf("expected speculative record last, got %v", contents(got))
		}
	})

	t.Run("committed but not yet echoed is dropped", func(t *testing.T) {
		spec := msgAt(PendingID("p1"), "x", t0, "tok")
		got := Reconcile(nil, []Message{spec}, pendingSet(), MessageLess)
		if len(got) != 0 {
			t.Fatalf("expected empty, got %v", contents(got))
		}
	})

	t.Run("failed records are kept", func(t *testing.T) {
		failed := msgAt(PendingID("p1"), "x", t0, "tok")
		failed.IsFailed = true
		got := Reconcile(nil, []Message{failed}, pendingSet(), MessageLess)
		if len(got) != 1 || !got[0].IsFailed {
			t.Fatalf("expected failed record kept, got %+v", got)
		}
	})

	t.Run("stale canonical records in current are replaced", func(t *testing.T) {
		current := []Message{msgAt(ConfirmedID("m1"), "old", t0, "")}
		canonical := []Message{msgAt(ConfirmedID("m1"), "new", t0, "")}
		got := Reconcile(canonical, current, pendingSet(), MessageLess)
		if !reflect.DeepEqual(contents(got), []string{"m1:new"}) {
			t.Fatalf("unexpected result %v", contents(got))
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		canonical := []Message{msgAt(ConfirmedID("m1"), "a", t0, "")}
		spec := msgAt(PendingID("p1"), "b", t0.Add(time.Second), "tok")
		once := Reconcile(canonical, []Message{spec}, pendingSet("tok"), MessageLess)
		twice := Reconcile(canonical, once, pendingSet("tok"), MessageLess)
		if !reflect.DeepEqual(once, twice) {
			t.Fatalf("expected %v, got %v", contents(once), contents(twice))
		}
	})

	t.Run("nil less keeps backend order", func(t *testing.T) {
		canonical := []Message{
			msgAt(ConfirmedID("m2"), "b", t0.Add(time.Second), ""),
			msgAt(ConfirmedID("m1"), "a", t0, ""),
		}
		got := Reconcile(canonical, nil, nil, nil)
		if !reflect.DeepEqual(contents(got), []string{"m2:b", "m1:a"}) {
			t.Fatalf("unexpected order %v", contents(got))
		}
	})
}

func TestGroupByDay(t *testing.T) {
	day1 := time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 15, 0, 15, 0, 0, time.UTC)
	msgs := []Message{
		msgAt(ConfirmedID("m3"), "c", day2, ""),
		msgAt(ConfirmedID("m1"), "a", day1, ""),
		msgAt(ConfirmedID("m2"), "b", day1, ""),
	}

	groups := GroupByDay(msgs, time.UTC)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if !groups[0].Day.Equal(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected first day %v", groups[0].Day)
	}
	if got := contents(groups[0].Messages); !reflect.DeepEqual(got, []string{"m1:a", "m2:b"}) {
		t.Fatalf("ties must keep input order, got %v", got)
	}
	if got := contents(groups[1].Messages); !reflect.DeepEqual(got, []string{"m3:c"}) {
		t.Fatalf("unexpected second group %v", got)
	}

	t.Run("location moves day boundary", func(t *testing.T) {
		tokyo := time.FixedZone("JST", 9*60*60)
		groups := GroupByDay(msgs, tokyo)
		if len(groups) != 1 {
			t.Fatalf("expected a single day in JST, got %d", len(groups))
		}
	})

	t.Run("empty", func(t *testing.T) {
		if groups := GroupByDay(nil, nil); len(groups) != 0 {
			t.Fatalf("expected no groups, got %d", len(groups))
		}
	})
}
