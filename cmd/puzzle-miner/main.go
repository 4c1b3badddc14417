package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/park285/cheese-puzzles/internal/analysis"
	"github.com/park285/cheese-puzzles/internal/chess/openingbook"
	"github.com/park285/cheese-puzzles/internal/chess/uci"
	appcfg "github.com/park285/cheese-puzzles/internal/config"
	"github.com/park285/cheese-puzzles/internal/lichess"
	"github.com/park285/cheese-puzzles/internal/msgcat"
	"github.com/park285/cheese-puzzles/internal/obslog"
	"github.com/park285/cheese-puzzles/internal/profile"
	"github.com/park285/cheese-puzzles/internal/puzzlestore"
)

// app holds the process-wide dependencies shared by every subcommand.
type app struct {
	cfg      *appcfg.AppConfig
	logger   *zap.Logger
	catalog  *msgcat.Catalog
	rdb      *redis.Client
	db       *sql.DB
	profiles *profile.Store
	store    puzzlestore.Store
	source   *lichess.Client
	book     *openingbook.Book
	pool     *uci.Pool
}

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer obslog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{}
	root := &cobra.Command{
		Use:           "puzzle-miner",
		Short:         "Turn opening mistakes from recent Lichess games into training puzzles",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if level, _ := cmd.Flags().GetString("log-level"); level != "" {
				opts := obslog.OptionsFromEnv()
				opts.Level = obslog.ParseLevel(level)
				if err := obslog.Init(opts); err != nil {
					return fmt.Errorf("logger init error: %w", err)
				}
			}
			return a.init(cmd.Context())
		},
	}
	root.PersistentFlags().String("log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	root.AddCommand(
		a.runCmd(),
		a.linkCmd(),
		a.unlinkCmd(),
		a.favoriteCmd(),
		a.deleteCmd(),
		a.attemptCmd(),
		a.listCmd(),
		a.statsCmd(),
		a.engineCheckCmd(),
	)

	err := root.ExecuteContext(ctx)
	a.close()
	if err != nil {
		obslog.L().Error("command_failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		obslog.Sync()
		os.Exit(1)
	}
}

func (a *app) init(ctx context.Context) error {
	cfg, err := appcfg.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	a.cfg = cfg
	a.logger = obslog.L()

	if a.catalog, err = msgcat.New(cfg.ProgressMessagesDir); err != nil {
		return fmt.Errorf("message catalog: %w", err)
	}

	if a.rdb, err = profile.Connect(ctx, cfg.RedisURL); err != nil {
		return fmt.Errorf("redis init error: %w", err)
	}
	a.profiles = profile.NewStore(a.rdb)

	if cfg.DatabaseURL != "" {
		if a.db, err = puzzlestore.Open(ctx, cfg.DatabaseURL); err != nil {
			return fmt.Errorf("postgres init error: %w", err)
		}
		pg := puzzlestore.NewPostgresStore(a.db, cfg.RotationCap, obslog.Named("puzzlestore"))
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
		a.store = pg
	} else {
		a.logger.Warn("database_url_empty_using_memory_store")
		a.store = puzzlestore.NewMemoryStore(cfg.RotationCap)
	}

	a.source = lichess.NewClient(cfg.LichessBaseURL,
		lichess.WithToken(cfg.LichessToken),
		lichess.WithLogger(obslog.Named("lichess")))

	if cfg.PolyglotBookPath != "" {
		pb, err := openingbook.LoadFromPath(cfg.PolyglotBookPath)
		if err != nil {
			return fmt.Errorf("polyglot book: %w", err)
		}
		a.book = openingbook.NewECOBook(openingbook.WithPolyglot(pb))
	} else if a.book, err = openingbook.Default(); err != nil {
		return fmt.Errorf("opening book: %w", err)
	}

	a.pool, err = uci.NewPool(uci.PoolConfig{
		BinaryPath:   cfg.StockfishPath,
		WebSocketURL: cfg.EngineWSURL,
		Capacity:     cfg.EnginePoolSize,
		Logger:       obslog.Named("uci"),
		Options: []uci.Option{
			uci.WithTimeout(cfg.EngineTimeout),
			uci.WithMateScore(cfg.EngineMateScore),
			uci.WithLogger(obslog.Named("uci")),
		},
	})
	if err != nil {
		return fmt.Errorf("engine pool: %w", err)
	}
	return nil
}

func (a *app) close() {
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			obslog.L().Warn("engine_pool_close_failed", zap.Error(err))
		}
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

func (a *app) policy() analysis.Policy {
	return analysis.Policy{
		MaxPlies:      a.cfg.AnalysisMaxPlies,
		PreDepth:      a.cfg.AnalysisPreDepth,
		PostDepth:     a.cfg.AnalysisPostDepth,
		LossThreshold: a.cfg.AnalysisLossThreshold,
		LostThreshold: a.cfg.AnalysisLostThreshold,
	}
}

func (a *app) say(cmd *cobra.Command, key string, data map[string]any) {
	fmt.Fprintln(cmd.OutOrStdout(), a.catalog.RenderOr(key, data, key))
}
