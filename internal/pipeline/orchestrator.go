// Package pipeline drives one analysis run for a user: resolve the linked
// account, fetch recent games, skip the ones already analysed, mine the
// rest for opening puzzles and persist the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-puzzles/internal/chess/uci"
	"github.com/park285/cheese-puzzles/internal/domain"
	"github.com/park285/cheese-puzzles/internal/lichess"
	"github.com/park285/cheese-puzzles/internal/msgcat"
	"github.com/park285/cheese-puzzles/internal/profile"
	"github.com/park285/cheese-puzzles/internal/puzzlestore"
	"github.com/park285/cheese-puzzles/pkg/puzzledto"
)

const (
	QuickBatch = 1
	FullBatch  = 10

	defaultLockTTL = 15 * time.Minute
)

var ErrNoLinkedAccount = errors.New("no linked lichess account")

type GameSource interface {
	FetchRecentGames(ctx context.Context, handle string, max int, perfTypes []string) ([]domain.GameRecord, error)
}

type Profiles interface {
	GetLinkedHandle(ctx context.Context, userID string) (string, error)
	Settings(ctx context.Context, userID string) (profile.Settings, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, game domain.GameRecord, color domain.Color) ([]domain.Puzzle, error)
}

type Store interface {
	FilterProcessed(ctx context.Context, userID string, gameIDs []string) (map[string]bool, error)
	CommitRun(ctx context.Context, userID string, puzzles []domain.Puzzle, games []puzzlestore.GameMark) (int, error)
}

type Locker interface {
	AcquireRunLock(ctx context.Context, userID string, ttl time.Duration) (func(context.Context) error, error)
}

// Deps wires an Orchestrator. Locker, Catalog, GameURL and Logger are optional.
type Deps struct {
	Profiles  Profiles
	Source    GameSource
	Analyzer  Analyzer
	Store     Store
	Locker    Locker
	Catalog   *msgcat.Catalog
	GameURL   func(gameID string) string
	PerfTypes []string
	Logger    *zap.Logger
}

type Orchestrator struct {
	profiles  Profiles
	source    GameSource
	analyzer  Analyzer
	store     Store
	locker    Locker
	catalog   *msgcat.Catalog
	gameURL   func(string) string
	perfTypes []string
	logger    *zap.Logger
}

func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		profiles:  d.Profiles,
		source:    d.Source,
		analyzer:  d.Analyzer,
		store:     d.Store,
		locker:    d.Locker,
		catalog:   d.Catalog,
		gameURL:   d.GameURL,
		perfTypes: d.PerfTypes,
		logger:    d.Logger,
	}
	if o.gameURL == nil {
		o.gameURL = lichess.GameURL
	}
	if len(o.perfTypes) == 0 {
		o.perfTypes = lichess.DefaultPerfTypes
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

type Options struct {
	MaxGames int
}

func (o *Orchestrator) Quick(ctx context.Context, userID string, onProgress puzzledto.ProgressFunc) (puzzledto.RunResult, error) {
	return o.Run(ctx, userID, Options{MaxGames: QuickBatch}, onProgress)
}

func (o *Orchestrator) Full(ctx context.Context, userID string, onProgress puzzledto.ProgressFunc) (puzzledto.RunResult, error) {
	return o.Run(ctx, userID, Options{MaxGames: FullBatch}, onProgress)
}

// Run analyses the user's most recent games. Failures of single games are
// collected in the result; account, source, engine-availability and storage
// failures end the run and are returned.
func (o *Orchestrator) Run(ctx context.Context, userID string, opts Options, onProgress puzzledto.ProgressFunc) (puzzledto.RunResult, error) {
	var result puzzledto.RunResult
	report := o.reporter(onProgress)
	batch := opts.MaxGames
	if batch <= 0 {
		batch = FullBatch
	}
	log := o.logger.With(zap.String("user_id", userID))

	report(puzzledto.StageResolving, 0, "progress.resolving", nil, "Checking linked account")
	if o.locker != nil {
		release, err := o.locker.AcquireRunLock(ctx, userID, defaultLockTTL)
		if err != nil {
			return result, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("run_lock_release_failed", zap.Error(err))
			}
		}()
	}

	handle, err := o.profiles.GetLinkedHandle(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("resolve linked handle: %w", err)
	}
	if handle == "" {
		return result, ErrNoLinkedAccount
	}
	perfTypes := o.perfTypes
	if st, err := o.profiles.Settings(ctx, userID); err != nil {
		log.Warn("profile_settings_unavailable", zap.Error(err))
	} else if len(st.PerfTypes) > 0 {
		perfTypes = st.PerfTypes
	}

	report(puzzledto.StageFetching, 10, "progress.fetching",
		map[string]any{"Max": batch, "Handle": handle}, "Fetching recent games")
	games, err := o.source.FetchRecentGames(ctx, handle, batch, perfTypes)
	if err != nil {
		return result, fmt.Errorf("fetch games for %s: %w", handle, err)
	}
	result.GamesFetched = len(games)
	if len(games) == 0 {
		report(puzzledto.StageDone, 100, "progress.no_games",
			map[string]any{"Handle": handle}, "No recent games found", &result)
		return result, nil
	}

	report(puzzledto.StageFiltering, 20, "progress.filtering",
		map[string]any{"Fetched": len(games)}, "Checking for new games")
	ids := make([]string, len(games))
	for i, g := range games {
		ids[i] = g.ID
	}
	processed, err := o.store.FilterProcessed(ctx, userID, ids)
	if err != nil {
		return result, fmt.Errorf("check processed games: %w", err)
	}
	fresh := make([]domain.GameRecord, 0, len(games))
	for _, g := range games {
		if processed[g.ID] {
			result.GamesSkipped++
			continue
		}
		fresh = append(fresh, g)
	}
	if len(fresh) == 0 {
		report(puzzledto.StageDone, 100, "progress.all_processed",
			map[string]any{"Fetched": len(games)}, "All recent games were already analyzed", &result)
		return result, nil
	}

	var (
		puzzles  []domain.Puzzle
		marks    []puzzlestore.GameMark
		fatalErr error
	)
	for i, g := range fresh {
		color := o.playerColor(log, handle, g)
		found, err := o.analyzeGame(ctx, g, color)
		report(puzzledto.StageAnalyzing, 20+60*(i+1)/len(fresh), "progress.analyzing",
			map[string]any{"Index": i + 1, "Total": len(fresh)}, "Analyzed game")
		if err != nil {
			result.Errors = append(result.Errors, puzzledto.GameError{GameID: g.ID, Error: err.Error()})
			if isRunFatal(ctx, err) {
				fatalErr = err
				break
			}
			log.Warn("game_analysis_failed", zap.String("game_id", g.ID), zap.Error(err))
			continue
		}

		gameURL := o.gameURL(g.ID)
		for j := range found {
			found[j].GameID = g.ID
			found[j].GameURL = gameURL
		}
		puzzles = append(puzzles, found...)
		marks = append(marks, puzzlestore.GameMark{GameID: g.ID, PuzzleCount: len(found)})
		result.GamesAnalyzed++
	}
	result.PuzzlesGenerated = len(puzzles)

	if len(marks) > 0 {
		report(puzzledto.StageSaving, 90, "progress.saving",
			map[string]any{"Puzzles": len(puzzles)}, "Saving puzzles")
		count, err := o.store.CommitRun(context.WithoutCancel(ctx), userID, puzzles, marks)
		if err != nil {
			return result, fmt.Errorf("persist run: %w", err)
		}
		result.RotationCount = count
	}
	if fatalErr != nil {
		log.Error("analysis_run_aborted", zap.Int("games_saved", len(marks)), zap.Error(fatalErr))
		return result, fatalErr
	}

	log.Info("analysis_run_done",
		zap.Int("fetched", result.GamesFetched),
		zap.Int("analyzed", result.GamesAnalyzed),
		zap.Int("skipped", result.GamesSkipped),
		zap.Int("puzzles", result.PuzzlesGenerated),
		zap.Int("errors", len(result.Errors)))
	report(puzzledto.StageDone, 100, "progress.done",
		map[string]any{"Puzzles": result.PuzzlesGenerated, "Analyzed": result.GamesAnalyzed}, "Done", &result)
	return result, nil
}

func (o *Orchestrator) analyzeGame(ctx context.Context, g domain.GameRecord, color domain.Color) (puzzles []domain.Puzzle, err error) {
	defer func() {
		if r := recover(); r != nil {
			puzzles = nil
			err = fmt.Errorf("analysis panic: %v", r)
		}
	}()
	return o.analyzer.Analyze(ctx, g, color)
}

// playerColor matches the handle against both players. An unmatched handle
// falls back to White.
func (o *Orchestrator) playerColor(log *zap.Logger, handle string, g domain.GameRecord) domain.Color {
	switch {
	case g.White.Matches(handle):
		return domain.White
	case g.Black.Matches(handle):
		return domain.Black
	default:
		log.Warn("player_color_unresolved",
			zap.String("game_id", g.ID),
			zap.String("handle", handle),
			zap.String("white", g.White.Name),
			zap.String("black", g.Black.Name))
		return domain.White
	}
}

func isRunFatal(ctx context.Context, err error) bool {
	if errors.Is(err, uci.ErrEngineUnavailable) {
		return true
	}
	return ctx.Err() != nil
}

type reportFunc func(stage puzzledto.Stage, percent int, key string, data map[string]any, fallback string, result ...*puzzledto.RunResult)

func (o *Orchestrator) reporter(onProgress puzzledto.ProgressFunc) reportFunc {
	return func(stage puzzledto.Stage, percent int, key string, data map[string]any, fallback string, result ...*puzzledto.RunResult) {
		if onProgress == nil {
			return
		}
		p := puzzledto.Progress{
			Stage:   stage,
			Percent: percent,
			Message: o.catalog.RenderOr(key, data, fallback),
		}
		if len(result) > 0 {
			p.Result = result[0]
		}
		onProgress(p)
	}
}

// ToDomainError maps a run error onto the public error contract.
func ToDomainError(err error) puzzledto.DomainError {
	switch {
	case err == nil:
		return puzzledto.DomainError{}
	case errors.Is(err, ErrNoLinkedAccount):
		return puzzledto.DomainError{Code: puzzledto.CodeNoLinkedAccount, Message: "Link a Lichess account before analysing games"}
	case errors.Is(err, lichess.ErrHandleNotFound):
		return puzzledto.DomainError{Code: puzzledto.CodeHandleNotFound, Message: "Lichess user not found"}
	case errors.Is(err, lichess.ErrRateLimited):
		return puzzledto.DomainError{Code: puzzledto.CodeInternal, Message: "Lichess rate limit reached, try again later", Retryable: true}
	case errors.Is(err, uci.ErrEngineTimeout):
		return puzzledto.DomainError{Code: puzzledto.CodeEngineTimeout, Message: "Engine did not answer in time", Retryable: true}
	case errors.Is(err, uci.ErrEngineUnavailable):
		return puzzledto.DomainError{Code: puzzledto.CodeEngineUnavailable, Message: "Engine unavailable"}
	case errors.Is(err, puzzlestore.ErrProfileNotFound):
		return puzzledto.DomainError{Code: puzzledto.CodeProfileNotFound, Message: "No puzzle profile for user"}
	case errors.Is(err, profile.ErrRunLocked):
		return puzzledto.DomainError{Code: puzzledto.CodeRunInProgress, Message: "An analysis is already running", Retryable: true}
	default:
		return puzzledto.DomainError{Code: puzzledto.CodeInternal, Message: err.Error()}
	}
}
