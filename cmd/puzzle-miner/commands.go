package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/cheese-puzzles/internal/analysis"
	"github.com/park285/cheese-puzzles/internal/domain"
	"github.com/park285/cheese-puzzles/internal/pipeline"
	"github.com/park285/cheese-puzzles/pkg/puzzledto"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

func (a *app) runCmd() *cobra.Command {
	var quick, verbose bool
	cmd := &cobra.Command{
		Use:   "run <user-id>...",
		Short: "Analyze recent games for one or more users",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, users []string) error {
			// Users are independent: one failed run does not cancel the others.
			ctx := cmd.Context()
			var g errgroup.Group
			g.SetLimit(a.cfg.EnginePoolSize)
			results := make([]puzzledto.RunResult, len(users))
			errs := make([]error, len(users))
			for i, userID := range users {
				g.Go(func() error {
					var progress puzzledto.ProgressFunc
					if verbose {
						progress = func(p puzzledto.Progress) {
							fmt.Fprintf(cmd.ErrOrStderr(), "[%s %3d%%] %s\n", userID, p.Percent, p.Message)
						}
					}
					res, err := a.runOne(ctx, userID, quick, progress)
					results[i] = res
					if err != nil {
						de := pipeline.ToDomainError(err)
						errs[i] = fmt.Errorf("%s: %s (%s)", userID, de.Message, de.Code)
					}
					return nil
				})
			}
			_ = g.Wait()
			for i, userID := range users {
				res := results[i]
				a.say(cmd, "cli.run_summary", map[string]any{
					"User":     userID,
					"Fetched":  res.GamesFetched,
					"Analyzed": res.GamesAnalyzed,
					"Skipped":  res.GamesSkipped,
					"Puzzles":  res.PuzzlesGenerated,
				})
				for _, ge := range res.Errors {
					a.say(cmd, "cli.game_error", map[string]any{"GameID": ge.GameID, "Error": ge.Error})
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().BoolVar(&quick, "quick", false, "analyze only the most recent game")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print progress events")
	return cmd
}

// runOne leases an engine channel for the duration of one user's run.
func (a *app) runOne(ctx context.Context, userID string, quick bool, progress puzzledto.ProgressFunc) (puzzledto.RunResult, error) {
	if err := a.store.EnsureRotation(ctx, userID); err != nil {
		return puzzledto.RunResult{}, err
	}
	ch, err := a.pool.Acquire(ctx)
	if err != nil {
		return puzzledto.RunResult{}, err
	}
	var runErr error
	defer func() { a.pool.Release(ch, runErr) }()

	orch := pipeline.New(pipeline.Deps{
		Profiles:  a.profiles,
		Source:    a.source,
		Analyzer:  analysis.New(ch, a.book, a.policy(), a.logger.Named("analysis")),
		Store:     a.store,
		Locker:    a.profiles,
		Catalog:   a.catalog,
		PerfTypes: a.cfg.LichessPerfTypes,
		Logger:    a.logger.Named("pipeline"),
	})
	var res puzzledto.RunResult
	if quick {
		res, runErr = orch.Quick(ctx, userID, progress)
	} else {
		res, runErr = orch.Full(ctx, userID, progress)
	}
	return res, runErr
}

func (a *app) linkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "link <user-id> <lichess-handle>",
		Short: "Link a Lichess account and create the puzzle rotation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.profiles.LinkHandle(ctx, args[0], args[1]); err != nil {
				return err
			}
			if err := a.store.EnsureRotation(ctx, args[0]); err != nil {
				return err
			}
			a.say(cmd, "cli.linked", map[string]any{"User": args[0], "Handle": strings.TrimSpace(args[1])})
			return nil
		},
	}
}

func (a *app) unlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <user-id>",
		Short: "Remove the linked Lichess account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.profiles.UnlinkHandle(cmd.Context(), args[0])
		},
	}
}

func (a *app) favoriteCmd() *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "favorite <user-id> <puzzle-id>",
		Short: "Pin a puzzle outside the rotation, or return it with --off",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := a.store.SetFavorite(cmd.Context(), args[0], args[1], !off)
			if err != nil {
				return err
			}
			key := "cli.favorite_on"
			if off {
				key = "cli.favorite_off"
			}
			a.say(cmd, key, map[string]any{"PuzzleID": args[1], "Rotation": count})
			return nil
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "remove the favorite mark")
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <user-id> <puzzle-id>",
		Short: "Delete a puzzle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := a.store.Delete(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			a.say(cmd, "cli.deleted", map[string]any{"PuzzleID": args[1], "Rotation": count})
			return nil
		},
	}
}

func (a *app) attemptCmd() *cobra.Command {
	var failed bool
	cmd := &cobra.Command{
		Use:   "attempt <user-id> <puzzle-id>",
		Short: "Record a solve attempt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.store.RecordAttempt(cmd.Context(), args[0], args[1], !failed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s attempts=%d success=%d fail=%d\n",
				p.ID, p.Status, p.Review.Attempts, p.Review.SuccessCount, p.Review.FailCount)
			return nil
		},
	}
	cmd.Flags().BoolVar(&failed, "fail", false, "record a failed attempt")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	var (
		favorites, hardest bool
		status             string
		limit, offset      int
	)
	cmd := &cobra.Command{
		Use:   "list <user-id>",
		Short: "List stored puzzles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, userID := cmd.Context(), args[0]
			var (
				list []domain.Puzzle
				err  error
			)
			switch {
			case favorites:
				list, err = a.store.Favorites(ctx, userID)
			case hardest:
				list, err = a.store.Hardest(ctx, userID, limit)
			case status != "":
				list, err = a.store.ByStatus(ctx, userID, domain.PuzzleStatus(status), limit)
			default:
				list, err = a.store.Recent(ctx, userID, limit, offset)
			}
			if err != nil {
				return err
			}
			for _, p := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  ply %-2d %-8s loss %4d  %s  %s\n",
					p.ID, p.Ply, p.PlayedSAN, p.EvalLoss, p.OpeningName, p.GameURL)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&favorites, "favorites", false, "list favorites")
	cmd.Flags().BoolVar(&hardest, "hardest", false, "order by evaluation loss")
	cmd.Flags().StringVar(&status, "status", "", "filter by review status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of puzzles")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many of the newest puzzles")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <user-id>",
		Short: "Show puzzle counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.say(cmd, "cli.stats", map[string]any{
				"User": args[0], "Total": st.Total, "Favorites": st.Favorites, "Rotation": st.Rotation,
			})
			statuses := make([]string, 0, len(st.ByStatus))
			for s := range st.ByStatus {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				a.say(cmd, "cli.stats_status", map[string]any{"Status": s, "Count": st.ByStatus[domain.PuzzleStatus(s)]})
			}
			return nil
		},
	}
}

func (a *app) engineCheckCmd() *cobra.Command {
	var (
		depth int
		raw   bool
	)
	cmd := &cobra.Command{
		Use:   "engine-check",
		Short: "Open an engine channel and evaluate the start position",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ch, err := a.pool.Acquire(ctx)
			if err != nil {
				return err
			}
			unsubscribe := func() {}
			if raw {
				unsubscribe = ch.OnMessage(func(line string) {
					fmt.Fprintln(cmd.ErrOrStderr(), "<<", line)
				})
			}
			ev, err := ch.Evaluate(ctx, startFEN, depth)
			unsubscribe()
			a.pool.Release(ch, err)
			if err != nil {
				return err
			}
			a.logger.Info("engine_check_ok", zap.String("best_move", ev.BestMove), zap.Int("score", ev.Score))
			a.say(cmd, "cli.engine_ok", map[string]any{"Move": ev.BestMove, "Score": ev.Score})
			return nil
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 10, "search depth")
	cmd.Flags().BoolVar(&raw, "raw", false, "print engine output lines")
	return cmd
}
