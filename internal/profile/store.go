// Package profile keeps per-user account links and analysis settings in Redis.
package profile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrEmptyHandle = errors.New("lichess handle required")
	ErrRunLocked   = errors.New("analysis already running for user")
)

const (
	fieldHandle      = "lichess_handle"
	fieldConnectedAt = "connected_at"
	fieldSettings    = "settings"
)

// Settings are the user's analysis preferences.
type Settings struct {
	PerfTypes []string `json:"perf_types,omitempty"`
}

type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Connect dials REDIS_URL and verifies the connection.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (s *Store) keyProfile(userID string) string { return "profile:" + strings.TrimSpace(userID) }
func (s *Store) keyRunLock(userID string) string {
	return "profile:" + strings.TrimSpace(userID) + ":run"
}

// LinkHandle stores the user's Lichess handle, replacing any previous link.
func (s *Store) LinkHandle(ctx context.Context, userID, handle string) error {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return ErrEmptyHandle
	}
	return s.rdb.HSet(ctx, s.keyProfile(userID),
		fieldHandle, handle,
		fieldConnectedAt, time.Now().UTC().Format(time.RFC3339),
	).Err()
}

func (s *Store) UnlinkHandle(ctx context.Context, userID string) error {
	return s.rdb.HDel(ctx, s.keyProfile(userID), fieldHandle, fieldConnectedAt).Err()
}

// GetLinkedHandle returns "" when the user has not linked an account.
func (s *Store) GetLinkedHandle(ctx context.Context, userID string) (string, error) {
	handle, err := s.rdb.HGet(ctx, s.keyProfile(userID), fieldHandle).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get linked handle: %w", err)
	}
	return strings.TrimSpace(handle), nil
}

func (s *Store) Settings(ctx context.Context, userID string) (Settings, error) {
	raw, err := s.rdb.HGet(ctx, s.keyProfile(userID), fieldSettings).Bytes()
	if err == redis.Nil {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	var st Settings
	if err := json.Unmarshal(raw, &st); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return st, nil
}

func (s *Store) UpdateSettings(ctx context.Context, userID string, st Settings) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.keyProfile(userID), fieldSettings, raw).Err()
}

// AcquireRunLock prevents two analysis runs for the same user. The returned
// release only deletes the lock if it is still ours.
func (s *Store) AcquireRunLock(ctx context.Context, userID string, ttl time.Duration) (func(context.Context) error, error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	ok, err := s.rdb.SetNX(ctx, s.keyRunLock(userID), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrRunLocked
	}
	key := s.keyRunLock(userID)
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, s.rdb, []string{key}, token).Err()
	}, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func randomToken() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
