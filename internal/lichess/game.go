package lichess

import (
	"time"

	"github.com/park285/cheese-puzzles/internal/domain"
)

// exportGame mirrors one NDJSON line of /api/games/user.
type exportGame struct {
	ID         string `json:"id"`
	Rated      bool   `json:"rated"`
	Variant    string `json:"variant"`
	Speed      string `json:"speed"`
	CreatedAt  int64  `json:"createdAt"`
	InitialFen string `json:"initialFen"`
	Moves      string `json:"moves"`
	PGN        string `json:"pgn"`
	Players    struct {
		White exportPlayer `json:"white"`
		Black exportPlayer `json:"black"`
	} `json:"players"`
	Opening *struct {
		ECO  string `json:"eco"`
		Name string `json:"name"`
		Ply  int    `json:"ply"`
	} `json:"opening"`
}

type exportPlayer struct {
	User *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
	Rating  int `json:"rating"`
	AILevel int `json:"aiLevel"`
}

func (p exportPlayer) player() domain.Player {
	out := domain.Player{Rating: p.Rating}
	if p.User != nil {
		out.ID = p.User.ID
		out.Name = p.User.Name
	}
	return out
}

func (g exportGame) record() domain.GameRecord {
	rec := domain.GameRecord{
		ID:    g.ID,
		Moves: g.Moves,
		PGN:   g.PGN,
		White: g.Players.White.player(),
		Black: g.Players.Black.player(),
		Speed: g.Speed,
		Rated: g.Rated,
	}
	if g.CreatedAt > 0 {
		rec.CreatedAt = time.UnixMilli(g.CreatedAt).UTC()
	}
	if g.Opening != nil {
		rec.Opening = &domain.OpeningInfo{ECO: g.Opening.ECO, Name: g.Opening.Name, Ply: g.Opening.Ply}
	}
	return rec
}

// GameURL is the canonical public URL of a game.
func GameURL(gameID string) string {
	return DefaultBaseURL + "/" + gameID
}
