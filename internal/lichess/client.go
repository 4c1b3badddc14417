// Package lichess fetches a player's recent games from the Lichess export API.
package lichess

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/cheese-puzzles/internal/domain"
)

const DefaultBaseURL = "https://lichess.org"

var (
	ErrHandleNotFound = errors.New("lichess handle not found")
	ErrRateLimited    = errors.New("lichess rate limit")
)

var DefaultPerfTypes = []string{"blitz", "rapid", "classical"}

type Client struct {
	baseURL string
	token   string
	http    *fasthttp.Client
	logger  *zap.Logger

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient replaces the transport, e.g. with one dialing an in-memory listener.
func WithHTTPClient(h *fasthttp.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 30 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		logger:         zap.NewNop(),
		defaultTimeout: 30 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchRecentGames returns up to max of the handle's most recent standard
// games, newest first.
func (c *Client) FetchRecentGames(ctx context.Context, handle string, max int, perfTypes []string) ([]domain.GameRecord, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, ErrHandleNotFound
	}
	if max <= 0 {
		max = 10
	}
	if len(perfTypes) == 0 {
		perfTypes = DefaultPerfTypes
	}

	q := url.Values{}
	q.Set("max", strconv.Itoa(max))
	q.Set("pgnInJson", "true")
	q.Set("opening", "true")
	q.Set("perfType", strings.Join(perfTypes, ","))
	path := "/api/games/user/" + url.PathEscape(handle) + "?" + q.Encode()

	body, err := c.get(ctx, path, "application/x-ndjson")
	if err != nil {
		return nil, err
	}
	return c.decodeGames(body), nil
}

func (c *Client) decodeGames(body []byte) []domain.GameRecord {
	games := make([]domain.GameRecord, 0)
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var g exportGame
		if err := json.Unmarshal(line, &g); err != nil {
			c.logger.Warn("lichess_game_decode_failed", zap.Error(err), zap.String("line", truncate(string(line), 120)))
			continue
		}
		if g.Variant != "" && g.Variant != "standard" {
			continue
		}
		if g.InitialFen != "" {
			continue
		}
		games = append(games, g.record())
	}
	return games
}

func (c *Client) get(ctx context.Context, path, accept string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Accept", accept)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else {
			status := resp.StatusCode()
			switch {
			case status == fasthttp.StatusNotFound:
				return nil, ErrHandleNotFound
			case status >= 200 && status < 300:
				return append([]byte(nil), resp.Body()...), nil
			case status == fasthttp.StatusTooManyRequests:
				lastErr = fmt.Errorf("%w: status=%d", ErrRateLimited, status)
			default:
				lastErr = fmt.Errorf("lichess api error: status=%d body=%s", status, truncate(string(resp.Body()), 512))
				if !shouldRetryStatus(status) {
					return nil, lastErr
				}
			}
		}
		if attempt == attempts {
			break
		}
		c.logger.Debug("lichess_retry", zap.Int("attempt", attempt), zap.Error(lastErr))
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
