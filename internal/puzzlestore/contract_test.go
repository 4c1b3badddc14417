package puzzlestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/park285/cheese-puzzles/internal/domain"
)

// storeFactory returns an empty store with rotation state for users.
type storeFactory func(t *testing.T, capacity int, users ...string) Store

// runStoreContract drives one Store implementation through the rotation and
// ledger rules every backend must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	cases := []struct {
		name string
		run  func(*testing.T, storeFactory)
	}{
		{"SaveRequiresRotationState", testSaveRequiresRotationState},
		{"SaveResetsLifecycleFields", testSaveResetsLifecycleFields},
		{"RotationEvictsOldestNonFavorites", testRotationEvictsOldestNonFavorites},
		{"RotationNeverExceedsCap", testRotationNeverExceedsCap},
		{"ConcurrentSavesKeepCap", testConcurrentSavesKeepCap},
		{"UnfavoriteAtCapEvictsAnother", testUnfavoriteAtCapEvictsAnother},
		{"DeleteChecksOwnership", testDeleteChecksOwnership},
		{"RecordAttempt", testRecordAttempt},
		{"CommitRunWritesLedgerWithPuzzles", testCommitRunWritesLedgerWithPuzzles},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) { tc.run(t, newStore) })
	}
}

func batch(gameID string, n int) []domain.Puzzle {
	out := make([]domain.Puzzle, n)
	for i := range out {
		out[i] = domain.Puzzle{
			GameID:     gameID,
			Ply:        i,
			FEN:        fmt.Sprintf("%s-%d", gameID, i),
			EvalLoss:   100 + i,
			IsFavorite: true,
			Status:     domain.StatusMastered,
		}
	}
	return out
}

func testSaveRequiresRotationState(t *testing.T, newStore storeFactory) {
	s := newStore(t, 60)
	if _, err := s.Save(context.Background(), "ghost", batch("g", 1)); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func testSaveResetsLifecycleFields(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t, 60, "u1")

	count, err := s.Save(ctx, "u1", batch("g1", 2))
	if err != nil || count != 2 {
		t.Fatalf("save = (%d, %v)", count, err)
	}
	list, _ := s.Recent(ctx, "u1", 10, 0)
	if len(list) != 2 {
		t.Fatalf("expected 2 rotation puzzles, got %d", len(list))
	}
	for _, p := range list {
		if p.ID == "" || p.UserID != "u1" || p.IsFavorite || p.Status != domain.StatusNew || p.Review.Attempts != 0 {
			t.Fatalf("puzzle not normalised on insert: %+v", p)
		}
	}
	if list[0].FEN != "g1-1" {
		t.Fatalf("recent should be newest first, got %q", list[0].FEN)
	}
}

func testRotationEvictsOldestNonFavorites(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t, 5, "u1")

	if _, err := s.Save(ctx, "u1", batch("old", 4)); err != nil {
		t.Fatalf("save: %v", err)
	}
	recent, _ := s.Recent(ctx, "u1", 10, 0)
	// Favorite the oldest one; it must survive every eviction.
	oldest := recent[len(recent)-1]
	if count, err := s.SetFavorite(ctx, "u1", oldest.ID, true); err != nil || count != 3 {
		t.Fatalf("favorite = (%d, %v)", count, err)
	}

	count, err := s.Save(ctx, "u1", batch("new", 4))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if count != 5 {
		t.Fatalf("rotation count = %d, want 5", count)
	}

	rotation, _ := s.Recent(ctx, "u1", 10, 0)
	got := map[string]bool{}
	for _, p := range rotation {
		got[p.FEN] = true
	}
	for _, want := range []string{"old-3", "new-0", "new-1", "new-2", "new-3"} {
		if !got[want] {
			t.Fatalf("expected %s to survive, rotation=%v", want, got)
		}
	}
	if got["old-1"] || got["old-2"] {
		t.Fatalf("oldest non-favorites should have been evicted: %v", got)
	}
	favs, _ := s.Favorites(ctx, "u1")
	if len(favs) != 1 || favs[0].ID != oldest.ID {
		t.Fatalf("favorite lost: %+v", favs)
	}
}

func testRotationNeverExceedsCap(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t, DefaultRotationCap, "u1")

	sizes := []int{7, 25, 0, 40, 3, 61, 12}
	for i, n := range sizes {
		count, err := s.Save(ctx, "u1", batch(fmt.Sprintf("g%d", i), n))
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		stats, _ := s.Stats(ctx, "u1")
		if count > DefaultRotationCap || stats.Rotation > DefaultRotationCap {
			t.Fatalf("cap exceeded after save %d: count=%d stored=%d", i, count, stats.Rotation)
		}
		if stats.Rotation != count {
			t.Fatalf("stored rotation %d disagrees with count %d", stats.Rotation, count)
		}
	}
}

func testConcurrentSavesKeepCap(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t, 10, "u1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Save(ctx, "u1", batch(fmt.Sprintf("g%d", i), 3)); err != nil {
				t.Errorf("save: %v", err)
			}
		}(i)
	}
	wg.Wait()

	st, _ := s.Rotation(ctx, "u1")
	stats, _ := s.Stats(ctx, "u1")
	if st.RotationCount != 10 || stats.Rotation != 10 {
		t.Fatalf("rotation=%d stored=%d, want 10", st.RotationCount, stats.Rotation)
	}
}

func testUnfavoriteAtCapEvictsAnother(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t, 3, "u1")

	if _, err := s.Save(ctx, "u1", batch("a", 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	first, _ := s.Recent(ctx, "u1", 1, 0)
	if _, err := s.SetFavorite(ctx, "u1", first[0].ID, true); err != nil {
		t.Fatalf("favorite: %v", err)
	}
	if _, err := s.Save(ctx, "u1", batch("b", 3)); err != nil {
		t.Fatalf("save: %v", err)
	}

	count, err := s.SetFavorite(ctx, "u1", first[0].ID, false)
	if err != nil || count != 3 {
		t.Fatalf("unfavorite = (%d, %v)", count, err)
	}
	stats, _ := s.Stats(ctx, "u1")
	if stats.Rotation != 3 || stats.Favorites != 0 {
		t.Fatalf("stats after unfavorite: %+v", stats)
	}
	if _, err := s.Get(ctx, "u1", first[0].ID); err != nil {
		t.Fatalf("unfavorited puzzle must not evict itself: %v", err)
	}
}

func testDeleteChecksOwnership(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t, 60, "u1", "u2")
	if _, err := s.Save(ctx, "u1", batch("g", 2)); err != nil {
		t.Fatalf("save: %v", err)
	}
	list, _ := s.Recent(ctx, "u1", 10, 0)

	if _, err := s.Delete(ctx, "u2", list[0].ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	count, err := s.Delete(ctx, "u1", list[0].ID)
	if err != nil || count != 1 {
		t.Fatalf("delete = (%d, %v)", count, err)
	}
	if _, err := s.Delete(ctx, "u1", list[0].ID); !errors.Is(err, ErrPuzzleNotFound) {
		t.Fatalf("expected ErrPuzzleNotFound, got %v", err)
	}
}

func testRecordAttempt(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t, 60, "u1")
	if _, err := s.Save(ctx, "u1", batch("g", 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	list, _ := s.Recent(ctx, "u1", 1, 0)

	p, err := s.RecordAttempt(ctx, "u1", list[0].ID, false)
	if err != nil || p.Status != domain.StatusActive || p.Review.FailCount != 1 {
		t.Fatalf("attempt = (%+v, %v)", p, err)
	}
	active, _ := s.ByStatus(ctx, "u1", domain.StatusActive, 10)
	if len(active) != 1 {
		t.Fatalf("expected 1 active puzzle, got %d", len(active))
	}
}

func testCommitRunWritesLedgerWithPuzzles(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	s := newStore(t, 60, "u1")

	marks := []GameMark{{GameID: "g1", PuzzleCount: 2}, {GameID: "g2", PuzzleCount: 0}}
	if _, err := s.CommitRun(ctx, "u1", batch("g1", 2), marks); err != nil {
		t.Fatalf("commit: %v", err)
	}
	done, _ := s.FilterProcessed(ctx, "u1", []string{"g1", "g2", "g3"})
	if !done["g1"] || !done["g2"] || done["g3"] {
		t.Fatalf("ledger = %v", done)
	}
	if ok, _ := s.IsProcessed(ctx, "u2", "g1"); ok {
		t.Fatalf("ledger must be per user")
	}
	st, _ := s.Rotation(ctx, "u1")
	if st.GamesAnalyzed != 2 || st.LastScanAt == nil || st.RotationCount != 2 {
		t.Fatalf("rotation state = %+v", st)
	}

	if _, err := s.CommitRun(ctx, "ghost", batch("x", 1), []GameMark{{GameID: "x"}}); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
	if ok, _ := s.IsProcessed(ctx, "ghost", "x"); ok {
		t.Fatalf("failed commit must not mark games")
	}
}
