// Package puzzlestore persists generated puzzles under a per-user rotation
// cap and records which games were already analysed.
package puzzlestore

import (
	"context"
	"errors"
	"time"

	"github.com/park285/cheese-puzzles/internal/domain"
)

const DefaultRotationCap = 60

var (
	ErrProfileNotFound = errors.New("puzzle rotation state not found")
	ErrPuzzleNotFound  = errors.New("puzzle not found")
	ErrUnauthorized    = errors.New("puzzle belongs to another user")
)

// GameMark is the ledger entry written alongside a batch of puzzles.
type GameMark struct {
	GameID      string
	PuzzleCount int
}

type Ledger interface {
	IsProcessed(ctx context.Context, userID, gameID string) (bool, error)
	// FilterProcessed returns the subset of gameIDs already in the ledger.
	FilterProcessed(ctx context.Context, userID string, gameIDs []string) (map[string]bool, error)
	MarkProcessed(ctx context.Context, rec domain.ProcessedGame) error
}

type Store interface {
	Ledger

	EnsureRotation(ctx context.Context, userID string) error
	Rotation(ctx context.Context, userID string) (domain.RotationState, error)

	// Save inserts puzzles as new rotation members and returns the new
	// rotation count.
	Save(ctx context.Context, userID string, puzzles []domain.Puzzle) (int, error)
	// CommitRun is Save plus ledger marks, applied as one unit.
	CommitRun(ctx context.Context, userID string, puzzles []domain.Puzzle, games []GameMark) (int, error)

	SetFavorite(ctx context.Context, userID, puzzleID string, favorite bool) (int, error)
	Delete(ctx context.Context, userID, puzzleID string) (int, error)
	RecordAttempt(ctx context.Context, userID, puzzleID string, success bool) (domain.Puzzle, error)

	Get(ctx context.Context, userID, puzzleID string) (domain.Puzzle, error)
	// Recent lists rotation puzzles newest first; offset pages into history.
	Recent(ctx context.Context, userID string, limit, offset int) ([]domain.Puzzle, error)
	Hardest(ctx context.Context, userID string, limit int) ([]domain.Puzzle, error)
	Favorites(ctx context.Context, userID string) ([]domain.Puzzle, error)
	ByStatus(ctx context.Context, userID string, status domain.PuzzleStatus, limit int) ([]domain.Puzzle, error)
	Stats(ctx context.Context, userID string) (domain.PuzzleStats, error)
}

type rotationPlan struct {
	keep     int
	overflow int
	next     int
}

// planRotation sizes one save: how many incoming puzzles fit, how many old
// non-favorites must go first, and the resulting count.
func planRotation(current, incoming, capacity int) rotationPlan {
	if capacity <= 0 {
		capacity = DefaultRotationCap
	}
	if current < 0 {
		current = 0
	}
	keep := incoming
	if keep > capacity {
		keep = capacity
	}
	overflow := current + keep - capacity
	if overflow < 0 {
		overflow = 0
	}
	next := current - overflow + keep
	if next > capacity {
		next = capacity
	}
	return rotationPlan{keep: keep, overflow: overflow, next: next}
}

// nextReview applies one attempt to a puzzle's review state.
func nextReview(state domain.ReviewState, status domain.PuzzleStatus, success bool, now time.Time) (domain.ReviewState, domain.PuzzleStatus) {
	state.Attempts++
	at := now
	state.LastAttempt = &at
	if success {
		state.IsSolved = true
		state.SuccessCount++
	} else {
		state.FailCount++
	}

	if status == "" {
		status = domain.StatusNew
	}
	switch {
	case success && state.Attempts == 1:
		status = domain.StatusSolved
	case success && state.SuccessCount >= 3:
		status = domain.StatusMastered
	case !success:
		status = domain.StatusActive
	}
	return state, status
}

func emptyStats() domain.PuzzleStats {
	return domain.PuzzleStats{
		ByStatus: map[domain.PuzzleStatus]int{
			domain.StatusNew:      0,
			domain.StatusActive:   0,
			domain.StatusSolved:   0,
			domain.StatusMastered: 0,
		},
	}
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 20
	}
	return limit
}
