package puzzlestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/park285/cheese-puzzles/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const puzzleColumns = `
	id,
	user_id,
	game_id,
	ply,
	fen,
	correct_move,
	player_move,
	played_san,
	opening_name,
	evaluation,
	best_evaluation,
	eval_loss,
	game_url,
	player_color,
	tags,
	is_favorite,
	status,
	review_state,
	created_at`

type PostgresStore struct {
	db       *sql.DB
	capacity int
	logger   *zap.Logger
}

func NewPostgresStore(db *sql.DB, capacity int, logger *zap.Logger) *PostgresStore {
	if capacity <= 0 {
		capacity = DefaultRotationCap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, capacity: capacity, logger: logger}
}

func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply puzzle schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsureRotation(ctx context.Context, userID string) error {
	const query = `
		INSERT INTO puzzle_rotation (user_id, rotation_count, games_analyzed, created_at)
		VALUES ($1, 0, 0, NOW())
		ON CONFLICT (user_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("ensure rotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Rotation(ctx context.Context, userID string) (domain.RotationState, error) {
	const query = `
		SELECT user_id, rotation_count, games_analyzed, last_scan_at, created_at
		FROM puzzle_rotation
		WHERE user_id = $1`

	var (
		st       domain.RotationState
		lastScan sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&st.UserID,
		&st.RotationCount,
		&st.GamesAnalyzed,
		&lastScan,
		&st.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RotationState{}, ErrProfileNotFound
	}
	if err != nil {
		return domain.RotationState{}, fmt.Errorf("select rotation: %w", err)
	}
	if lastScan.Valid {
		t := lastScan.Time
		st.LastScanAt = &t
	}
	return st, nil
}

func (s *PostgresStore) Save(ctx context.Context, userID string, puzzles []domain.Puzzle) (int, error) {
	return s.CommitRun(ctx, userID, puzzles, nil)
}

// CommitRun locks the user's rotation row, evicts the oldest non-favorites,
// copies the batch in and writes the ledger marks in one transaction.
func (s *PostgresStore) CommitRun(ctx context.Context, userID string, puzzles []domain.Puzzle, games []GameMark) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin commit run: %w", err)
	}
	defer tx.Rollback()

	current, err := lockRotation(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	plan := planRotation(current, len(puzzles), s.capacity)

	if plan.overflow > 0 {
		evicted, err := evictOldest(ctx, tx, userID, plan.overflow, "")
		if err != nil {
			return 0, err
		}
		s.logger.Debug("rotation_evicted",
			zap.String("user_id", userID),
			zap.Int64("evicted", evicted))
	}

	// created_at is stored with microsecond precision.
	now := time.Now().UTC().Truncate(time.Microsecond)
	if err := copyPuzzles(ctx, tx, userID, puzzles[:plan.keep], now); err != nil {
		return 0, err
	}

	const markQuery = `
		INSERT INTO processed_games (user_id, game_id, analyzed_at, puzzle_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, game_id) DO NOTHING`
	for _, g := range games {
		if _, err := tx.ExecContext(ctx, markQuery, userID, g.GameID, now, g.PuzzleCount); err != nil {
			return 0, fmt.Errorf("mark game %s processed: %w", g.GameID, err)
		}
	}

	const updateQuery = `
		UPDATE puzzle_rotation
		SET rotation_count = $2,
			last_scan_at = $3,
			games_analyzed = games_analyzed + $4
		WHERE user_id = $1`
	if _, err := tx.ExecContext(ctx, updateQuery, userID, plan.next, now, len(games)); err != nil {
		return 0, fmt.Errorf("update rotation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit run: %w", err)
	}
	return plan.next, nil
}

func (s *PostgresStore) SetFavorite(ctx context.Context, userID, puzzleID string, favorite bool) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin favorite: %w", err)
	}
	defer tx.Rollback()

	current, err := lockRotation(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	p, err := selectOwned(ctx, tx, userID, puzzleID, true)
	if err != nil {
		return 0, err
	}
	if p.IsFavorite == favorite {
		return current, nil
	}

	next := current
	if favorite {
		if next > 0 {
			next--
		}
	} else {
		if overflow := current + 1 - s.capacity; overflow > 0 {
			evicted, err := evictOldest(ctx, tx, userID, overflow, puzzleID)
			if err != nil {
				return 0, err
			}
			next -= int(evicted)
		}
		next++
	}

	if _, err := tx.ExecContext(ctx, `UPDATE puzzles SET is_favorite = $2 WHERE id = $1`, puzzleID, favorite); err != nil {
		return 0, fmt.Errorf("update favorite: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE puzzle_rotation SET rotation_count = $2 WHERE user_id = $1`, userID, next); err != nil {
		return 0, fmt.Errorf("update rotation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit favorite: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID, puzzleID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	current, err := lockRotation(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	p, err := selectOwned(ctx, tx, userID, puzzleID, true)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM puzzles WHERE id = $1`, puzzleID); err != nil {
		return 0, fmt.Errorf("delete puzzle: %w", err)
	}
	next := current
	if !p.IsFavorite && next > 0 {
		next--
	}
	if _, err := tx.ExecContext(ctx, `UPDATE puzzle_rotation SET rotation_count = $2 WHERE user_id = $1`, userID, next); err != nil {
		return 0, fmt.Errorf("update rotation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, userID, puzzleID string, success bool) (domain.Puzzle, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Puzzle{}, fmt.Errorf("begin attempt: %w", err)
	}
	defer tx.Rollback()

	p, err := selectOwned(ctx, tx, userID, puzzleID, true)
	if err != nil {
		return domain.Puzzle{}, err
	}
	p.Review, p.Status = nextReview(p.Review, p.Status, success, time.Now().UTC())
	review, err := json.Marshal(p.Review)
	if err != nil {
		return domain.Puzzle{}, fmt.Errorf("marshal review_state: %w", err)
	}
	const query = `UPDATE puzzles SET review_state = $2::jsonb, status = $3 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, puzzleID, review, string(p.Status)); err != nil {
		return domain.Puzzle{}, fmt.Errorf("update review: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Puzzle{}, fmt.Errorf("commit attempt: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, puzzleID string) (domain.Puzzle, error) {
	return selectOwned(ctx, s.db, userID, puzzleID, false)
}

func (s *PostgresStore) Recent(ctx context.Context, userID string, limit, offset int) ([]domain.Puzzle, error) {
	if offset < 0 {
		offset = 0
	}
	query := `SELECT` + puzzleColumns + `
		FROM puzzles
		WHERE user_id = $1 AND is_favorite = FALSE
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	return s.list(ctx, query, userID, limitOrDefault(limit), offset)
}

func (s *PostgresStore) Hardest(ctx context.Context, userID string, limit int) ([]domain.Puzzle, error) {
	query := `SELECT` + puzzleColumns + `
		FROM puzzles
		WHERE user_id = $1 AND is_favorite = FALSE
		ORDER BY eval_loss DESC, created_at DESC
		LIMIT $2`
	return s.list(ctx, query, userID, limitOrDefault(limit))
}

func (s *PostgresStore) Favorites(ctx context.Context, userID string) ([]domain.Puzzle, error) {
	query := `SELECT` + puzzleColumns + `
		FROM puzzles
		WHERE user_id = $1 AND is_favorite = TRUE
		ORDER BY created_at DESC, id DESC`
	return s.list(ctx, query, userID)
}

func (s *PostgresStore) ByStatus(ctx context.Context, userID string, status domain.PuzzleStatus, limit int) ([]domain.Puzzle, error) {
	query := `SELECT` + puzzleColumns + `
		FROM puzzles
		WHERE user_id = $1 AND status = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`
	return s.list(ctx, query, userID, string(status), limitOrDefault(limit))
}

func (s *PostgresStore) Stats(ctx context.Context, userID string) (domain.PuzzleStats, error) {
	const query = `
		SELECT status, is_favorite, COUNT(*)
		FROM puzzles
		WHERE user_id = $1
		GROUP BY status, is_favorite`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return domain.PuzzleStats{}, fmt.Errorf("select puzzle stats: %w", err)
	}
	defer rows.Close()

	stats := emptyStats()
	for rows.Next() {
		var (
			status   string
			favorite bool
			count    int
		)
		if err := rows.Scan(&status, &favorite, &count); err != nil {
			return domain.PuzzleStats{}, fmt.Errorf("scan puzzle stats: %w", err)
		}
		stats.Total += count
		if favorite {
			stats.Favorites += count
		} else {
			stats.Rotation += count
		}
		stats.ByStatus[domain.PuzzleStatus(status)] += count
	}
	if err := rows.Err(); err != nil {
		return domain.PuzzleStats{}, fmt.Errorf("iterate puzzle stats: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) IsProcessed(ctx context.Context, userID, gameID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM processed_games WHERE user_id = $1 AND game_id = $2)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, userID, gameID).Scan(&exists); err != nil {
		return false, fmt.Errorf("select processed game: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) FilterProcessed(ctx context.Context, userID string, gameIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(gameIDs) == 0 {
		return out, nil
	}
	const query = `SELECT game_id FROM processed_games WHERE user_id = $1 AND game_id = ANY($2)`
	rows, err := s.db.QueryContext(ctx, query, userID, pq.Array(gameIDs))
	if err != nil {
		return nil, fmt.Errorf("select processed games: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan processed game: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed games: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, rec domain.ProcessedGame) error {
	if rec.AnalyzedAt.IsZero() {
		rec.AnalyzedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO processed_games (user_id, game_id, analyzed_at, puzzle_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, game_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, rec.UserID, rec.GameID, rec.AnalyzedAt, rec.PuzzleCount); err != nil {
		return fmt.Errorf("mark game processed: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lockRotation(ctx context.Context, tx *sql.Tx, userID string) (int, error) {
	var current int
	err := tx.QueryRowContext(ctx,
		`SELECT rotation_count FROM puzzle_rotation WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrProfileNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock rotation: %w", err)
	}
	return current, nil
}

func evictOldest(ctx context.Context, tx *sql.Tx, userID string, n int, exceptID string) (int64, error) {
	const query = `
		DELETE FROM puzzles
		WHERE id IN (
			SELECT id FROM puzzles
			WHERE user_id = $1 AND is_favorite = FALSE AND id::text <> $3
			ORDER BY created_at ASC, id ASC
			LIMIT $2
		)`
	res, err := tx.ExecContext(ctx, query, userID, n, exceptID)
	if err != nil {
		return 0, fmt.Errorf("evict oldest puzzles: %w", err)
	}
	return res.RowsAffected()
}

func copyPuzzles(ctx context.Context, tx *sql.Tx, userID string, puzzles []domain.Puzzle, now time.Time) error {
	if len(puzzles) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(
		"puzzles",
		"id", "user_id", "game_id", "ply", "fen",
		"correct_move", "player_move", "played_san", "opening_name",
		"evaluation", "best_evaluation", "eval_loss",
		"game_url", "player_color", "tags",
		"is_favorite", "status", "review_state", "created_at",
	))
	if err != nil {
		return fmt.Errorf("prepare puzzle copy: %w", err)
	}
	defer stmt.Close()

	review, err := json.Marshal(domain.ReviewState{})
	if err != nil {
		return fmt.Errorf("marshal review_state: %w", err)
	}
	for i, p := range puzzles {
		tags := p.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			uuid.NewString(),
			userID,
			p.GameID,
			p.Ply,
			p.FEN,
			p.CorrectMove,
			p.PlayerMove,
			p.PlayedSAN,
			p.OpeningName,
			p.Evaluation,
			p.BestEvaluation,
			p.EvalLoss,
			p.GameURL,
			string(p.PlayerColor),
			string(tagsJSON),
			false,
			string(domain.StatusNew),
			string(review),
			now.Add(time.Duration(i)*time.Microsecond),
		); err != nil {
			return fmt.Errorf("copy puzzle: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("flush puzzle copy: %w", err)
	}
	return nil
}

func selectOwned(ctx context.Context, q queryer, userID, puzzleID string, forUpdate bool) (domain.Puzzle, error) {
	if _, err := uuid.Parse(puzzleID); err != nil {
		return domain.Puzzle{}, ErrPuzzleNotFound
	}
	query := `SELECT` + puzzleColumns + ` FROM puzzles WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	p, err := scanPuzzle(q.QueryRowContext(ctx, query, puzzleID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Puzzle{}, ErrPuzzleNotFound
	}
	if err != nil {
		return domain.Puzzle{}, fmt.Errorf("select puzzle: %w", err)
	}
	if p.UserID != userID {
		return domain.Puzzle{}, ErrUnauthorized
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPuzzle(row rowScanner) (domain.Puzzle, error) {
	var (
		p          domain.Puzzle
		color      string
		status     string
		tagsJSON   []byte
		reviewJSON []byte
	)
	if err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.GameID,
		&p.Ply,
		&p.FEN,
		&p.CorrectMove,
		&p.PlayerMove,
		&p.PlayedSAN,
		&p.OpeningName,
		&p.Evaluation,
		&p.BestEvaluation,
		&p.EvalLoss,
		&p.GameURL,
		&color,
		&tagsJSON,
		&p.IsFavorite,
		&status,
		&reviewJSON,
		&p.CreatedAt,
	); err != nil {
		return domain.Puzzle{}, err
	}
	p.PlayerColor = domain.Color(color)
	p.Status = domain.PuzzleStatus(status)
	if err := json.Unmarshal(tagsJSON, &p.Tags); err != nil {
		return domain.Puzzle{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal(reviewJSON, &p.Review); err != nil {
		return domain.Puzzle{}, fmt.Errorf("unmarshal review_state: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]domain.Puzzle, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select puzzles: %w", err)
	}
	defer rows.Close()

	puzzles := make([]domain.Puzzle, 0)
	for rows.Next() {
		p, err := scanPuzzle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan puzzle: %w", err)
		}
		puzzles = append(puzzles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate puzzles: %w", err)
	}
	return puzzles, nil
}

var _ Store = (*PostgresStore)(nil)
