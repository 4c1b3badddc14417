package domain

import (
	"strings"
	"time"
)

type Player struct {
	ID     string
	Name   string
	Rating int
}

// Matches compares a game-source handle against the player's id and display name.
func (p Player) Matches(handle string) bool {
	h := strings.TrimSpace(handle)
	if h == "" {
		return false
	}
	return strings.EqualFold(h, strings.TrimSpace(p.ID)) || strings.EqualFold(h, strings.TrimSpace(p.Name))
}

// OpeningInfo is opening metadata supplied by the game source.
type OpeningInfo struct {
	ECO  string
	Name string
	Ply  int
}

// GameRecord is one completed game as delivered by a game source.
type GameRecord struct {
	ID        string
	Moves     string
	PGN       string
	White     Player
	Black     Player
	Opening   *OpeningInfo
	Speed     string
	Rated     bool
	CreatedAt time.Time
}

// MoveText returns the move list to replay, preferring the plain SAN list.
func (g GameRecord) MoveText() string {
	if strings.TrimSpace(g.Moves) != "" {
		return g.Moves
	}
	return g.PGN
}
