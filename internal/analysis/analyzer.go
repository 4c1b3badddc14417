// Package analysis replays a finished game over its opening phase and turns
// moves that leave theory with a large evaluation drop into puzzles.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	chesslib "github.com/corentings/chess/v2"
	"go.uber.org/zap"

	"github.com/park285/cheese-puzzles/internal/chess/movetext"
	"github.com/park285/cheese-puzzles/internal/chess/openingbook"
	"github.com/park285/cheese-puzzles/internal/chess/uci"
	"github.com/park285/cheese-puzzles/internal/domain"
)

const FallbackOpeningName = "Unknown Opening"

// ErrReplayInvariant marks a verified move that failed to apply. Analyze
// logs it and stops the game early; it is never returned.
var ErrReplayInvariant = errors.New("replay invariant violated")

type Evaluator interface {
	Evaluate(ctx context.Context, fen string, depth int) (uci.Evaluation, error)
}

type Book interface {
	IsKnown(fen string) bool
	Lookup(fen string) (openingbook.Opening, bool)
}

// Policy holds the tunable analysis constants.
type Policy struct {
	MaxPlies      int
	PreDepth      int
	PostDepth     int
	LossThreshold int
	LostThreshold int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxPlies:      20,
		PreDepth:      15,
		PostDepth:     12,
		LossThreshold: 100,
		LostThreshold: -250,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxPlies <= 0 {
		p.MaxPlies = def.MaxPlies
	}
	if p.PreDepth <= 0 {
		p.PreDepth = def.PreDepth
	}
	if p.PostDepth <= 0 {
		p.PostDepth = def.PostDepth
	}
	if p.LossThreshold <= 0 {
		p.LossThreshold = def.LossThreshold
	}
	if p.LostThreshold == 0 {
		p.LostThreshold = def.LostThreshold
	}
	return p
}

type Analyzer struct {
	engine Evaluator
	book   Book
	policy Policy
	logger *zap.Logger
	now    func() time.Time
}

func New(engine Evaluator, book Book, policy Policy, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		engine: engine,
		book:   book,
		policy: policy.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Analyze returns the puzzles found in the game for the given side, in ply
// order. Engine failures are returned together with the puzzles found before
// them; replay problems only shorten the analysis.
func (a *Analyzer) Analyze(ctx context.Context, game domain.GameRecord, color domain.Color) ([]domain.Puzzle, error) {
	moves, err := movetext.Parse(game.MoveText())
	if err != nil {
		a.logger.Warn("movetext_truncated",
			zap.String("game_id", game.ID),
			zap.Int("verified_plies", len(moves)),
			zap.Error(err))
	}
	if len(moves) == 0 {
		return nil, nil
	}

	skipBefore := 0
	if game.Opening != nil && game.Opening.Ply > 2 {
		skipBefore = game.Opening.Ply - 2
	}

	board := chesslib.NewGame()
	notation := chesslib.UCINotation{}
	var puzzles []domain.Puzzle

	for i, mv := range moves {
		if i >= a.policy.MaxPlies {
			break
		}
		if err := ctx.Err(); err != nil {
			return puzzles, err
		}

		preFEN := board.FEN()
		decoded, err := notation.Decode(board.Position(), mv.UCI)
		if err == nil {
			err = board.Move(decoded, nil)
		}
		if err != nil {
			a.logger.Error("replay_failed",
				zap.String("game_id", game.ID),
				zap.Int("ply", i),
				zap.String("move", mv.SAN),
				zap.Error(fmt.Errorf("%w: %v", ErrReplayInvariant, err)))
			return puzzles, nil
		}
		postFEN := board.FEN()

		if i < skipBefore || !color.MovesOnPly(i) {
			continue
		}
		if a.book != nil && a.book.IsKnown(postFEN) {
			continue
		}

		pre, err := a.engine.Evaluate(ctx, preFEN, a.policy.PreDepth)
		if err != nil {
			return puzzles, fmt.Errorf("evaluate ply %d before move: %w", i, err)
		}
		post, err := a.engine.Evaluate(ctx, postFEN, a.policy.PostDepth)
		if err != nil {
			return puzzles, fmt.Errorf("evaluate ply %d after move: %w", i, err)
		}

		// The engine scores postFEN for the opponent, who is now to move.
		moverScore := -post.Score
		loss := pre.Score - moverScore
		if pre.Score < a.policy.LostThreshold || loss <= a.policy.LossThreshold {
			continue
		}

		a.logger.Debug("blunder_detected",
			zap.String("game_id", game.ID),
			zap.Int("ply", i),
			zap.String("played", mv.SAN),
			zap.String("best", pre.BestMove),
			zap.Int("eval_loss", loss))

		puzzles = append(puzzles, domain.Puzzle{
			GameID:         game.ID,
			Ply:            i,
			FEN:            preFEN,
			CorrectMove:    pre.BestMove,
			PlayerMove:     mv.UCI,
			PlayedSAN:      mv.SAN,
			OpeningName:    a.openingName(game, preFEN),
			Evaluation:     moverScore,
			BestEvaluation: pre.Score,
			EvalLoss:       loss,
			PlayerColor:    color,
			Tags:           []string{domain.DefaultPuzzleTag},
			CreatedAt:      a.now(),
			Status:         domain.StatusNew,
		})
	}
	return puzzles, nil
}

func (a *Analyzer) openingName(game domain.GameRecord, preFEN string) string {
	if game.Opening != nil && game.Opening.Name != "" {
		return game.Opening.Name
	}
	if a.book != nil {
		if op, ok := a.book.Lookup(preFEN); ok && op.Name != "" {
			return op.Name
		}
	}
	return FallbackOpeningName
}
