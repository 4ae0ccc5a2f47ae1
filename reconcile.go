package tasksync

import (
	"slices"
	"sort"
	"time"
)

// Reconcile merges a freshly fetched canonical collection with the current
// cache contents.
//
// The result is canonical, followed by every speculative record of current
// that the backend has not yet echoed: records whose operation is still
// pending, plus failed records kept for retry. A speculative record is
// superseded as soon as a canonical record carries its operation token.
// When less is non-nil the result is stable-sorted with it, so speculative
// records land after canonical records that compare equal.
func Reconcile[T Record](canonical, current []T, pending func(Token) bool, less func(a, b T) bool) []T {
	out := slices.Clone(canonical)

	echoed := make(map[Token]bool, len(canonical))
	for _, r := range canonical {
		if t := r.OpToken(); t != "" {
			echoed[t] = true
		}
	}

	for _, r := range current {
		if !r.RecordID().IsPending() {
			continue
		}
		t := r.OpToken()
		if t != "" && echoed[t] {
			continue
		}
		if r.Failed() || (t != "" && pending != nil && pending(t)) {
			out = append(out, r)
		}
	}

	if less != nil {
		sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	}
	return out
}

// MessageLess orders messages by creation time.
func MessageLess(a, b Message) bool { return a.CreatedAt.Before(b.CreatedAt) }

// CommentLess orders comments by creation time.
func CommentLess(a, b Comment) bool { return a.CreatedAt.Before(b.CreatedAt) }

// DayGroup is the messages of one calendar day.
type DayGroup struct {
	// Day is midnight of the group's day in the grouping location.
	Day      time.Time
	Messages []Message
}

// GroupByDay buckets messages by calendar day in loc (time.Local when nil).
// Groups are ascending, and messages are ascending within a group with ties
// kept in input order.
func GroupByDay(msgs []Message, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}
	sorted := slices.Clone(msgs)
	sort.SliceStable(sorted, func(i, j int) bool { return MessageLess(sorted[i], sorted[j]) })

	var groups []DayGroup
	for _, m := range sorted {
		t := m.CreatedAt.In(loc)
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		if n := len(groups); n > 0 && groups[n-1].Day.Equal(day) {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, DayGroup{Day: day, Messages: []Message{m}})
	}
	return groups
}
