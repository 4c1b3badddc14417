package puzzlestore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/park285/cheese-puzzles/internal/domain"
)

// MemoryStore keeps everything in process. Used when no database is
// configured and in tests.
type MemoryStore struct {
	mu sync.RWMutex

	capacity int
	now      func() time.Time

	rotations map[string]*domain.RotationState
	puzzles   map[string]*domain.Puzzle
	processed map[string]domain.ProcessedGame // userID|gameID
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultRotationCap
	}
	return &MemoryStore{
		capacity:  capacity,
		now:       time.Now,
		rotations: make(map[string]*domain.RotationState),
		puzzles:   make(map[string]*domain.Puzzle),
		processed: make(map[string]domain.ProcessedGame),
	}
}

func (m *MemoryStore) EnsureRotation(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rotations[userID]; !ok {
		m.rotations[userID] = &domain.RotationState{UserID: userID, CreatedAt: m.now()}
	}
	return nil
}

func (m *MemoryStore) Rotation(ctx context.Context, userID string) (domain.RotationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.rotations[userID]
	if !ok {
		return domain.RotationState{}, ErrProfileNotFound
	}
	return *st, nil
}

func (m *MemoryStore) Save(ctx context.Context, userID string, puzzles []domain.Puzzle) (int, error) {
	return m.CommitRun(ctx, userID, puzzles, nil)
}

func (m *MemoryStore) CommitRun(ctx context.Context, userID string, puzzles []domain.Puzzle, games []GameMark) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.rotations[userID]
	if !ok {
		return 0, ErrProfileNotFound
	}
	plan := planRotation(st.RotationCount, len(puzzles), m.capacity)

	for _, old := range m.oldestRotationLocked(userID, plan.overflow, "") {
		delete(m.puzzles, old.ID)
	}

	now := m.now()
	for i, p := range puzzles[:plan.keep] {
		p.ID = uuid.NewString()
		p.UserID = userID
		p.IsFavorite = false
		p.Status = domain.StatusNew
		p.Review = domain.ReviewState{}
		p.Tags = append([]string(nil), p.Tags...)
		p.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		m.puzzles[p.ID] = &p
	}

	for _, g := range games {
		key := ledgerKey(userID, g.GameID)
		if _, exists := m.processed[key]; exists {
			continue
		}
		m.processed[key] = domain.ProcessedGame{
			GameID:      g.GameID,
			UserID:      userID,
			AnalyzedAt:  now,
			PuzzleCount: g.PuzzleCount,
		}
	}

	st.RotationCount = plan.next
	st.GamesAnalyzed += len(games)
	scan := now
	st.LastScanAt = &scan
	return plan.next, nil
}

func (m *MemoryStore) SetFavorite(ctx context.Context, userID, puzzleID string, favorite bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.rotations[userID]
	if !ok {
		return 0, ErrProfileNotFound
	}
	p, err := m.ownedLocked(userID, puzzleID)
	if err != nil {
		return 0, err
	}
	if p.IsFavorite == favorite {
		return st.RotationCount, nil
	}

	p.IsFavorite = favorite
	if favorite {
		if st.RotationCount > 0 {
			st.RotationCount--
		}
		return st.RotationCount, nil
	}

	if st.RotationCount+1 > m.capacity {
		for _, old := range m.oldestRotationLocked(userID, st.RotationCount+1-m.capacity, p.ID) {
			delete(m.puzzles, old.ID)
			st.RotationCount--
		}
	}
	st.RotationCount++
	return st.RotationCount, nil
}

func (m *MemoryStore) Delete(ctx context.Context, userID, puzzleID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.rotations[userID]
	if !ok {
		return 0, ErrProfileNotFound
	}
	p, err := m.ownedLocked(userID, puzzleID)
	if err != nil {
		return 0, err
	}
	delete(m.puzzles, p.ID)
	if !p.IsFavorite && st.RotationCount > 0 {
		st.RotationCount--
	}
	return st.RotationCount, nil
}

func (m *MemoryStore) RecordAttempt(ctx context.Context, userID, puzzleID string, success bool) (domain.Puzzle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.ownedLocked(userID, puzzleID)
	if err != nil {
		return domain.Puzzle{}, err
	}
	p.Review, p.Status = nextReview(p.Review, p.Status, success, m.now())
	return *p, nil
}

func (m *MemoryStore) Get(ctx context.Context, userID, puzzleID string) (domain.Puzzle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.ownedLocked(userID, puzzleID)
	if err != nil {
		return domain.Puzzle{}, err
	}
	return *p, nil
}

func (m *MemoryStore) Recent(ctx context.Context, userID string, limit, offset int) ([]domain.Puzzle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.filterLocked(userID, func(p *domain.Puzzle) bool { return !p.IsFavorite })
	sortNewestFirst(list)
	return page(list, limitOrDefault(limit), offset), nil
}

func (m *MemoryStore) Hardest(ctx context.Context, userID string, limit int) ([]domain.Puzzle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.filterLocked(userID, func(p *domain.Puzzle) bool { return !p.IsFavorite })
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].EvalLoss != list[j].EvalLoss {
			return list[i].EvalLoss > list[j].EvalLoss
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return page(list, limitOrDefault(limit), 0), nil
}

func (m *MemoryStore) Favorites(ctx context.Context, userID string) ([]domain.Puzzle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.filterLocked(userID, func(p *domain.Puzzle) bool { return p.IsFavorite })
	sortNewestFirst(list)
	return list, nil
}

func (m *MemoryStore) ByStatus(ctx context.Context, userID string, status domain.PuzzleStatus, limit int) ([]domain.Puzzle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.filterLocked(userID, func(p *domain.Puzzle) bool { return p.Status == status })
	sortNewestFirst(list)
	return page(list, limitOrDefault(limit), 0), nil
}

func (m *MemoryStore) Stats(ctx context.Context, userID string) (domain.PuzzleStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := emptyStats()
	for _, p := range m.filterLocked(userID, func(*domain.Puzzle) bool { return true }) {
		stats.Total++
		if p.IsFavorite {
			stats.Favorites++
		} else {
			stats.Rotation++
		}
		stats.ByStatus[p.Status]++
	}
	return stats, nil
}

func (m *MemoryStore) IsProcessed(ctx context.Context, userID, gameID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[ledgerKey(userID, gameID)]
	return ok, nil
}

func (m *MemoryStore) FilterProcessed(ctx context.Context, userID string, gameIDs []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for _, id := range gameIDs {
		if _, ok := m.processed[ledgerKey(userID, id)]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, rec domain.ProcessedGame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ledgerKey(rec.UserID, rec.GameID)
	if _, exists := m.processed[key]; exists {
		return nil
	}
	if rec.AnalyzedAt.IsZero() {
		rec.AnalyzedAt = m.now()
	}
	m.processed[key] = rec
	return nil
}

func (m *MemoryStore) ownedLocked(userID, puzzleID string) (*domain.Puzzle, error) {
	p, ok := m.puzzles[puzzleID]
	if !ok {
		return nil, ErrPuzzleNotFound
	}
	if p.UserID != userID {
		return nil, ErrUnauthorized
	}
	return p, nil
}

// oldestRotationLocked returns up to n non-favorites, oldest first.
func (m *MemoryStore) oldestRotationLocked(userID string, n int, exceptID string) []domain.Puzzle {
	if n <= 0 {
		return nil
	}
	list := m.filterLocked(userID, func(p *domain.Puzzle) bool { return !p.IsFavorite && p.ID != exceptID })
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	if len(list) > n {
		list = list[:n]
	}
	return list
}

func (m *MemoryStore) filterLocked(userID string, keep func(*domain.Puzzle) bool) []domain.Puzzle {
	var out []domain.Puzzle
	for _, p := range m.puzzles {
		if p.UserID == userID && keep(p) {
			out = append(out, *p)
		}
	}
	return out
}

func sortNewestFirst(list []domain.Puzzle) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID > list[j].ID
	})
}

func page(list []domain.Puzzle, limit, offset int) []domain.Puzzle {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(list) {
		return []domain.Puzzle{}
	}
	list = list[offset:]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

func ledgerKey(userID, gameID string) string {
	return strings.TrimSpace(userID) + "|" + strings.TrimSpace(gameID)
}

var _ Store = (*MemoryStore)(nil)
