package domain

import (
	"strings"
	"time"
)

// Color identifies the side a player had in a game.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// ParseColor accepts "white"/"black" and their one-letter forms.
func ParseColor(s string) (Color, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return White, true
	case "black", "b":
		return Black, true
	default:
		return "", false
	}
}

// MovesOnPly reports whether the side plays the given 0-based ply.
func (c Color) MovesOnPly(ply int) bool {
	if c == Black {
		return ply%2 == 1
	}
	return ply%2 == 0
}

// PuzzleStatus is the review lifecycle of a stored puzzle.
type PuzzleStatus string

const (
	StatusNew      PuzzleStatus = "new"
	StatusActive   PuzzleStatus = "active"
	StatusSolved   PuzzleStatus = "solved"
	StatusMastered PuzzleStatus = "mastered"
)

const DefaultPuzzleTag = "Opening Blunder"

type ReviewState struct {
	IsSolved     bool       `json:"is_solved"`
	Attempts     int        `json:"attempts"`
	LastAttempt  *time.Time `json:"last_attempt,omitempty"`
	SuccessCount int        `json:"success_count"`
	FailCount    int        `json:"fail_count"`
}

// Puzzle is one opening mistake turned into a training position.
// FEN is the position before the mistake; evaluations are in centipawns
// from the perspective of the player who made the move.
type Puzzle struct {
	ID             string
	UserID         string
	GameID         string
	Ply            int
	FEN            string
	CorrectMove    string
	PlayerMove     string
	PlayedSAN      string
	OpeningName    string
	Evaluation     int
	BestEvaluation int
	EvalLoss       int
	GameURL        string
	PlayerColor    Color
	Tags           []string
	CreatedAt      time.Time
	IsFavorite     bool
	Status         PuzzleStatus
	Review         ReviewState
}

// ProcessedGame is the deduplication record for one analysed game.
type ProcessedGame struct {
	GameID      string
	UserID      string
	AnalyzedAt  time.Time
	PuzzleCount int
}

// RotationState is the per-user bookkeeping of the rotating puzzle set.
type RotationState struct {
	UserID        string
	RotationCount int
	GamesAnalyzed int
	LastScanAt    *time.Time
	CreatedAt     time.Time
}

type PuzzleStats struct {
	Total     int
	Favorites int
	Rotation  int
	ByStatus  map[PuzzleStatus]int
}
