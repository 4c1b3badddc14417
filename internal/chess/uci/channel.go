package uci

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultMateScore = 10000

	defaultDrainGrace = 3 * time.Second
)

var (
	// ErrEngineUnavailable: the channel was never started, or has been closed.
	ErrEngineUnavailable = errors.New("engine unavailable")
	// ErrEngineTimeout: no bestmove within the deadline. The caller may retry.
	ErrEngineTimeout = errors.New("engine timeout")
)

// Evaluation is the engine verdict for one position, from the side to move.
// BestMove is empty when the engine reports no legal move.
type Evaluation struct {
	BestMove string
	Score    int
}

// Transport carries UCI lines in both directions.
type Transport interface {
	Send(line string) error
	Lines() <-chan string
	Close() error
}

type Option func(*Channel)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithMateScore(score int) Option {
	return func(c *Channel) {
		if score > 0 {
			c.mateScore = score
		}
	}
}

func WithDrainGrace(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.drainGrace = d
		}
	}
}

// Channel owns one engine session. Evaluations are serialized; a caller
// arriving while another evaluation runs waits for its turn.
type Channel struct {
	transport  Transport
	logger     *zap.Logger
	timeout    time.Duration
	mateScore  int
	drainGrace time.Duration

	mu      sync.Mutex
	subs    map[uint64]func(string)
	nextSub uint64
	started bool

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	turn      chan struct{}
	wg        sync.WaitGroup
}

func NewChannel(transport Transport, opts ...Option) *Channel {
	c := &Channel{
		transport:  transport,
		logger:     zap.NewNop(),
		timeout:    DefaultTimeout,
		mateScore:  DefaultMateScore,
		drainGrace: defaultDrainGrace,
		subs:       make(map[uint64]func(string)),
		ready:      make(chan struct{}),
		closed:     make(chan struct{}),
		turn:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins reading engine output and sends the uci handshake. It does
// not wait for uciok; evaluations queue behind it.
func (c *Channel) Start() error {
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return ErrEngineUnavailable
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.dispatch()

	if err := c.transport.Send("uci"); err != nil {
		_ = c.Close()
		return fmt.Errorf("%w: send uci: %v", ErrEngineUnavailable, err)
	}
	return nil
}

// WaitReady blocks until the engine has answered uciok.
func (c *Channel) WaitReady(ctx context.Context) error {
	if !c.isStarted() {
		return ErrEngineUnavailable
	}
	select {
	case <-c.ready:
		return nil
	case <-c.closed:
		return ErrEngineUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnMessage registers cb for every line the engine prints. Callbacks run on
// the reader goroutine and must not block.
func (c *Channel) OnMessage(cb func(line string)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = cb
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Evaluate searches fen to the given depth and returns the last reported
// score with the engine's best move.
func (c *Channel) Evaluate(ctx context.Context, fen string, depth int) (Evaluation, error) {
	if !c.isStarted() {
		return Evaluation{}, ErrEngineUnavailable
	}
	if strings.TrimSpace(fen) == "" {
		return Evaluation{}, fmt.Errorf("empty fen")
	}
	if depth <= 0 {
		return Evaluation{}, fmt.Errorf("depth must be > 0: %d", depth)
	}

	handshake := time.NewTimer(c.timeout)
	defer handshake.Stop()
	select {
	case <-c.ready:
	case <-handshake.C:
		return Evaluation{}, fmt.Errorf("%w: no uciok", ErrEngineTimeout)
	case <-c.closed:
		return Evaluation{}, ErrEngineUnavailable
	case <-ctx.Done():
		return Evaluation{}, ctx.Err()
	}

	if err := c.acquire(ctx); err != nil {
		return Evaluation{}, err
	}

	results := make(chan Evaluation, 1)
	var (
		lastScore int
		resolved  bool
	)
	unsubscribe := c.OnMessage(func(line string) {
		if resolved {
			return
		}
		if score, ok := parseScore(line, c.mateScore); ok {
			lastScore = score
			return
		}
		if move, ok := parseBestMove(line); ok {
			resolved = true
			results <- Evaluation{BestMove: move, Score: lastScore}
		}
	})

	if err := c.sendAll("position fen "+fen, "go depth "+strconv.Itoa(depth)); err != nil {
		unsubscribe()
		c.release()
		return Evaluation{}, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()

	select {
	case res := <-results:
		unsubscribe()
		c.release()
		return res, nil
	case <-c.closed:
		unsubscribe()
		c.release()
		return Evaluation{}, ErrEngineUnavailable
	case <-deadline.C:
		unsubscribe()
		c.logger.Warn("engine_eval_timeout",
			zap.String("fen", fen),
			zap.Int("depth", depth),
			zap.Duration("timeout", c.timeout))
		c.drainAsync()
		return Evaluation{}, ErrEngineTimeout
	case <-ctx.Done():
		unsubscribe()
		c.drainAsync()
		return Evaluation{}, ctx.Err()
	}
}

// Ping round-trips isready/readyok between evaluations.
func (c *Channel) Ping(ctx context.Context) error {
	if err := c.WaitReady(ctx); err != nil {
		return err
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	done := make(chan struct{})
	var once sync.Once
	unsubscribe := c.OnMessage(func(line string) {
		if strings.HasPrefix(line, "readyok") {
			once.Do(func() { close(done) })
		}
	})
	defer unsubscribe()

	if err := c.transport.Send("isready"); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no readyok", ErrEngineTimeout)
	case <-c.closed:
		return ErrEngineUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetOption sends a setoption command. Valid only between evaluations.
func (c *Channel) SetOption(ctx context.Context, name, value string) error {
	if err := c.WaitReady(ctx); err != nil {
		return err
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	if err := c.transport.Send(fmt.Sprintf("setoption name %s value %s", name, value)); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return nil
}

// Close releases the transport. Pending evaluations fail with
// ErrEngineUnavailable.
func (c *Channel) Close() error {
	err := c.shutdown()
	c.wg.Wait()
	return err
}

func (c *Channel) shutdown() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		c.subs = make(map[uint64]func(string))
		c.mu.Unlock()
		err = c.transport.Close()
	})
	return err
}

func (c *Channel) dispatch() {
	defer c.wg.Done()
	lines := c.transport.Lines()
	for {
		select {
		case <-c.closed:
			return
		case line, ok := <-lines:
			if !ok {
				c.logger.Warn("engine_stream_closed")
				_ = c.shutdown()
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.Contains(line, "uciok") {
				c.readyOnce.Do(func() { close(c.ready) })
			}
			c.broadcast(line)
		}
	}
}

func (c *Channel) broadcast(line string) {
	c.mu.Lock()
	cbs := make([]func(string), 0, len(c.subs))
	for _, cb := range c.subs {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(line)
	}
}

// drainAsync stops an abandoned search and keeps the turn until the engine
// confirms it is idle, so the next caller never sees stale output. An engine
// that stays silent past the grace period closes the channel.
func (c *Channel) drainAsync() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release()

		done := make(chan struct{})
		var once sync.Once
		unsubscribe := c.OnMessage(func(line string) {
			if strings.HasPrefix(line, "readyok") {
				once.Do(func() { close(done) })
			}
		})
		defer unsubscribe()

		if err := c.sendAll("stop", "isready"); err != nil {
			_ = c.shutdown()
			return
		}
		timer := time.NewTimer(c.drainGrace)
		defer timer.Stop()
		select {
		case <-done:
		case <-c.closed:
		case <-timer.C:
			// A late bestmove could resolve the next caller; give the channel up.
			c.logger.Warn("engine_drain_timeout", zap.Duration("grace", c.drainGrace))
			_ = c.shutdown()
		}
	}()
}

func (c *Channel) sendAll(lines ...string) error {
	for _, line := range lines {
		if err := c.transport.Send(line); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) acquire(ctx context.Context) error {
	select {
	case c.turn <- struct{}{}:
	case <-c.closed:
		return ErrEngineUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
	if c.isClosed() {
		c.release()
		return ErrEngineUnavailable
	}
	return nil
}

func (c *Channel) release() {
	<-c.turn
}

func (c *Channel) isStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
