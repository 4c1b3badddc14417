package puzzlestore

import (
	"testing"
	"time"

	"github.com/park285/cheese-puzzles/internal/domain"
)

func TestPlanRotation(t *testing.T) {
	cases := []struct {
		current, incoming, capacity int
		want                        rotationPlan
	}{
		{0, 5, 60, rotationPlan{keep: 5, overflow: 0, next: 5}},
		{58, 5, 60, rotationPlan{keep: 5, overflow: 3, next: 60}},
		{60, 1, 60, rotationPlan{keep: 1, overflow: 1, next: 60}},
		{10, 70, 60, rotationPlan{keep: 60, overflow: 10, next: 60}},
		{3, 0, 60, rotationPlan{keep: 0, overflow: 0, next: 3}},
		{70, 0, 60, rotationPlan{keep: 0, overflow: 10, next: 60}},
	}
	for _, tc := range cases {
		got := planRotation(tc.current, tc.incoming, tc.capacity)
		if got != tc.want {
			t.Fatalf("planRotation(%d, %d, %d) = %+v, want %+v", tc.current, tc.incoming, tc.capacity, got, tc.want)
		}
	}
}

func TestNextReviewTransitions(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	state, status := nextReview(domain.ReviewState{}, domain.StatusNew, true, now)
	if status != domain.StatusSolved || !state.IsSolved || state.Attempts != 1 || state.SuccessCount != 1 {
		t.Fatalf("first-try success: %+v %s", state, status)
	}
	if state.LastAttempt == nil || !state.LastAttempt.Equal(now) {
		t.Fatalf("last attempt not stamped: %+v", state.LastAttempt)
	}

	state, status = nextReview(domain.ReviewState{}, domain.StatusNew, false, now)
	if status != domain.StatusActive || state.FailCount != 1 || state.IsSolved {
		t.Fatalf("failure: %+v %s", state, status)
	}

	state, status = nextReview(state, status, true, now)
	if status != domain.StatusActive || state.SuccessCount != 1 {
		t.Fatalf("success after failure keeps status: %+v %s", state, status)
	}
	state, status = nextReview(state, status, true, now)
	state, status = nextReview(state, status, true, now)
	if status != domain.StatusMastered || state.SuccessCount != 3 {
		t.Fatalf("third success should master: %+v %s", state, status)
	}
}
