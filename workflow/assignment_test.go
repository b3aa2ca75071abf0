package workflow

import (
	"sync"
	"testing"

	"github.com/oknaservice/dispatch_backend/models"
)

// NOTE: These tests are intentionally DB-free. They validate the selection
// semantics on the pure helpers: rotation order, wraparound, stale-cursor
// restart and the cursor-advance policy. DB-backed behavior (dealer/zone
// lookups, cursor serialization) is covered by the integration tests in
// dispatch_integration_test.go.

func TestNextAfterCursor_Rotates(t *testing.T) {
	ids := []int{1, 2, 3, 4}

	cases := []struct {
		cursor int
		want   int
	}{
		{cursor: 1, want: 2},
		{cursor: 2, want: 3},
		{cursor: 3, want: 4},
		{cursor: 4, want: 1}, // wraparound
	}
	for _, tc := range cases {
		if got := nextAfterCursor(ids, tc.cursor); got != tc.want {
			t.Fatalf("cursor=%d: expected %d, got %d", tc.cursor, tc.want, got)
		}
	}
}

func TestNextAfterCursor_StaleCursorRestartsFromFirst(t *testing.T) {
	ids := []int{3, 5, 9}

	// cursor 0 (never assigned) and cursor 7 (worker removed/deactivated)
	// both restart rotation from the first active worker
	for _, cursor := range []int{0, 7} {
		if got := nextAfterCursor(ids, cursor); got != 3 {
			t.Fatalf("cursor=%d: expected restart at 3, got %d", cursor, got)
		}
	}
}

func TestNextAfterCursor_SkipsDeactivated(t *testing.T) {
	// workers A=1, B=2, C=3; B deactivated so the active list is [1, 3]
	ids := []int{1, 3}

	if got := nextAfterCursor(ids, 1); got != 3 {
		t.Fatalf("expected 3 (skipping deactivated 2), got %d", got)
	}
}

func TestNextAfterCursor_EmptyActiveSet(t *testing.T) {
	if got := nextAfterCursor(nil, 2); got != 0 {
		t.Fatalf("expected 0 for empty active set, got %d", got)
	}
}

func TestNextAfterCursor_SingleWorkerSelfRotation(t *testing.T) {
	ids := []int{8}
	if got := nextAfterCursor(ids, 8); got != 8 {
		t.Fatalf("expected lone worker to rotate to itself, got %d", got)
	}
	if got := nextAfterCursor(ids, 0); got != 8 {
		t.Fatalf("expected lone worker from fresh cursor, got %d", got)
	}
}

func TestNextAfterCursor_IsIdempotent(t *testing.T) {
	ids := []int{1, 2, 3}

	first := nextAfterCursor(ids, 2)
	for i := 0; i < 10; i++ {
		if got := nextAfterCursor(ids, 2); got != first {
			t.Fatalf("preview call %d changed the result: %d vs %d", i, got, first)
		}
	}
}

func TestShouldAdvanceCursor_KeyedOffEmptyZone(t *testing.T) {
	// The cursor advances on confirmation iff the stored delivery zone is
	// empty, regardless of which tier produced the proposal.
	cases := []struct {
		zone   string
		reason models.AssignmentReason
		want   bool
	}{
		{zone: "", reason: models.ReasonRoundRobin, want: true},
		{zone: "", reason: models.ReasonDealer, want: true},
		{zone: "", reason: models.ReasonNone, want: true},
		{zone: "North", reason: models.ReasonZone, want: false},
		{zone: "North", reason: models.ReasonDealer, want: false},
	}
	for _, tc := range cases {
		m := &models.Measurement{DeliveryZone: tc.zone, Reason: tc.reason}
		if got := ShouldAdvanceCursor(m); got != tc.want {
			t.Fatalf("zone=%q reason=%s: expected %v, got %v", tc.zone, tc.reason, tc.want, got)
		}
	}
}

// fakeCursor models the serialized read-modify-write that
// AdvanceRoundRobinCursor performs under the advisory lock.
type fakeCursor struct {
	mu    sync.Mutex
	value int
	log   []int
}

func (c *fakeCursor) commit(ids []int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := nextAfterCursor(ids, c.value)
	c.value = next
	c.log = append(c.log, next)
	return next
}

func TestConcurrentCommits_NeverComputeSameNext(t *testing.T) {
	ids := []int{1, 2, 3}

	for run := 0; run < 100; run++ {
		cursor := &fakeCursor{value: 1}

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cursor.commit(ids)
			}()
		}
		wg.Wait()

		if len(cursor.log) != 2 {
			t.Fatalf("run=%d expected 2 commits, got %d", run, len(cursor.log))
		}
		if cursor.log[0] == cursor.log[1] {
			t.Fatalf("run=%d both commits landed on worker %d from a stale read", run, cursor.log[0])
		}
		if cursor.log[0] != 2 || cursor.log[1] != 3 {
			t.Fatalf("run=%d expected serialized order [2 3], got %v", run, cursor.log)
		}
	}
}

func TestRotationSequence_AfterCommits(t *testing.T) {
	// cursor at B among [A B C]: fallback proposes C; after committing C the
	// next fallback proposes A
	ids := []int{1, 2, 3}
	cursor := &fakeCursor{value: 2}

	if got := nextAfterCursor(ids, cursor.value); got != 3 {
		t.Fatalf("expected proposal C (3), got %d", got)
	}
	cursor.commit(ids)
	if got := nextAfterCursor(ids, cursor.value); got != 1 {
		t.Fatalf("expected proposal A (1) after committing C, got %d", got)
	}
}
