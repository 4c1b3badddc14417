package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	StockfishPath   string
	EngineWSURL     string
	EngineTimeout   time.Duration
	EnginePoolSize  int
	EngineMateScore int

	AnalysisMaxPlies      int
	AnalysisPreDepth      int
	AnalysisPostDepth     int
	AnalysisLossThreshold int
	AnalysisLostThreshold int

	RotationCap int

	LichessBaseURL   string
	LichessToken     string
	LichessPerfTypes []string

	RedisURL    string
	DatabaseURL string

	PolyglotBookPath    string
	ProgressMessagesDir string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		EngineTimeout:         10 * time.Second,
		EnginePoolSize:        2,
		EngineMateScore:       10000,
		AnalysisMaxPlies:      20,
		AnalysisPreDepth:      15,
		AnalysisPostDepth:     12,
		AnalysisLossThreshold: 100,
		AnalysisLostThreshold: -250,
		RotationCap:           60,
		LichessBaseURL:        "https://lichess.org",
		LichessPerfTypes:      []string{"blitz", "rapid", "classical"},
	}

	cfg.StockfishPath = strings.TrimSpace(os.Getenv("STOCKFISH_PATH"))
	cfg.EngineWSURL = strings.TrimSpace(os.Getenv("ENGINE_WS_URL"))
	if v := strings.TrimSpace(os.Getenv("ENGINE_TIMEOUT_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EngineTimeout = time.Duration(n) * time.Millisecond
		}
	}
	positive(&cfg.EnginePoolSize, "ENGINE_POOL_SIZE")
	positive(&cfg.EngineMateScore, "ENGINE_MATE_SCORE")

	positive(&cfg.AnalysisMaxPlies, "ANALYSIS_MAX_PLIES")
	positive(&cfg.AnalysisPreDepth, "ANALYSIS_PRE_DEPTH")
	positive(&cfg.AnalysisPostDepth, "ANALYSIS_POST_DEPTH")
	positive(&cfg.AnalysisLossThreshold, "ANALYSIS_LOSS_THRESHOLD")
	// may be negative
	if v := strings.TrimSpace(os.Getenv("ANALYSIS_LOST_THRESHOLD")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AnalysisLostThreshold = n
		}
	}
	positive(&cfg.RotationCap, "ROTATION_CAP")

	if v := strings.TrimSpace(os.Getenv("LICHESS_BASE_URL")); v != "" {
		cfg.LichessBaseURL = strings.TrimRight(v, "/")
	}
	cfg.LichessToken = strings.TrimSpace(os.Getenv("LICHESS_TOKEN"))
	if v := strings.TrimSpace(os.Getenv("LICHESS_PERF_TYPES")); v != "" {
		if list := splitList(v); len(list) > 0 {
			cfg.LichessPerfTypes = list
		}
	}

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.PolyglotBookPath = strings.TrimSpace(os.Getenv("CHESS_POLYGLOT_BOOK_PATH"))
	cfg.ProgressMessagesDir = strings.TrimSpace(os.Getenv("PROGRESS_MESSAGES_DIR"))

	if cfg.StockfishPath == "" && cfg.EngineWSURL == "" {
		return nil, errors.New("STOCKFISH_PATH or ENGINE_WS_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}

	return cfg, nil
}

func positive(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
