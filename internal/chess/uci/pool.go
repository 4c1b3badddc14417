package uci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Dialer opens a started, handshaken channel.
type Dialer func(ctx context.Context) (*Channel, error)

type PoolConfig struct {
	// Exactly one of BinaryPath or WebSocketURL.
	BinaryPath   string
	WebSocketURL string
	Capacity     int
	Options      []Option
	Logger       *zap.Logger
}

// Pool hands out independent channels so that concurrent pipeline runs never
// share an engine session.
type Pool struct {
	dial     Dialer
	capacity int
	logger   *zap.Logger

	mu     sync.Mutex
	total  int
	leased map[*Channel]struct{}
	idle   chan *Channel
	// freed is closed and replaced whenever a slot is given back.
	freed  chan struct{}
	closed bool
}

var errPoolAtCapacity = errors.New("engine pool at capacity")

func NewPool(cfg PoolConfig) (*Pool, error) {
	var dial Dialer
	switch {
	case strings.TrimSpace(cfg.WebSocketURL) != "":
		url := strings.TrimSpace(cfg.WebSocketURL)
		dial = func(ctx context.Context) (*Channel, error) {
			t, err := DialWebSocket(ctx, url)
			if err != nil {
				return nil, err
			}
			return Open(ctx, t, cfg.Options...)
		}
	case cfg.BinaryPath != "":
		if _, err := os.Stat(cfg.BinaryPath); err != nil {
			return nil, fmt.Errorf("stockfish binary check: %w", err)
		}
		dial = func(ctx context.Context) (*Channel, error) {
			t, err := StartProcess(cfg.BinaryPath)
			if err != nil {
				return nil, err
			}
			return Open(ctx, t, cfg.Options...)
		}
	default:
		return nil, fmt.Errorf("binary path or websocket url required")
	}
	return NewPoolWithDialer(dial, cfg.Capacity, cfg.Logger), nil
}

func NewPoolWithDialer(dial Dialer, capacity int, logger *zap.Logger) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		dial:     dial,
		capacity: capacity,
		logger:   logger,
		leased:   make(map[*Channel]struct{}),
		idle:     make(chan *Channel, capacity),
		freed:    make(chan struct{}),
	}
}

// Open starts a channel over t and waits for the handshake.
func Open(ctx context.Context, t Transport, opts ...Option) (*Channel, error) {
	ch := NewChannel(t, opts...)
	if err := ch.Start(); err != nil {
		return nil, err
	}
	readyCtx, cancel := context.WithTimeout(ctx, ch.timeout)
	defer cancel()
	if err := ch.WaitReady(readyCtx); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: handshake: %v", ErrEngineUnavailable, err)
	}
	return ch, nil
}

// Acquire returns an idle healthy channel, dials a new one under capacity,
// or waits until a channel is released or a slot is freed.
func (p *Pool) Acquire(ctx context.Context) (*Channel, error) {
	for {
		select {
		case ch := <-p.idle:
			if p.revive(ctx, ch) {
				return ch, nil
			}
			continue
		default:
		}

		ch, freed, err := p.create(ctx)
		if err == nil {
			return ch, nil
		}
		if !errors.Is(err, errPoolAtCapacity) {
			return nil, err
		}

		select {
		case ch := <-p.idle:
			if p.revive(ctx, ch) {
				return ch, nil
			}
		case <-freed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns ch to the pool. A non-nil err that indicates a dead engine
// discards the channel instead.
func (p *Pool) Release(ch *Channel, err error) {
	if ch == nil {
		return
	}
	p.mu.Lock()
	_, ok := p.leased[ch]
	delete(p.leased, ch)
	closed := p.closed
	p.mu.Unlock()

	if !ok {
		_ = ch.Close()
		return
	}
	if closed || errors.Is(err, ErrEngineUnavailable) {
		p.discard(ch)
		return
	}
	select {
	case p.idle <- ch:
	default:
		p.discard(ch)
	}
}

func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for {
		select {
		case ch := <-p.idle:
			if err := ch.Close(); err != nil {
				errs = append(errs, err)
			}
			p.decrement()
		default:
			return errors.Join(errs...)
		}
	}
}

func (p *Pool) revive(ctx context.Context, ch *Channel) bool {
	if err := ch.Ping(ctx); err != nil {
		p.logger.Warn("engine_channel_discarded", zap.Error(err))
		p.discard(ch)
		return false
	}
	p.mu.Lock()
	p.leased[ch] = struct{}{}
	p.mu.Unlock()
	return true
}

// create dials under capacity. At capacity it returns the channel that is
// closed when the next slot frees up.
func (p *Pool) create(ctx context.Context) (*Channel, <-chan struct{}, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrEngineUnavailable
	}
	if p.total >= p.capacity {
		freed := p.freed
		p.mu.Unlock()
		return nil, freed, errPoolAtCapacity
	}
	p.total++
	p.mu.Unlock()

	ch, err := p.dial(ctx)
	if err != nil {
		p.decrement()
		return nil, nil, err
	}
	p.mu.Lock()
	p.leased[ch] = struct{}{}
	p.mu.Unlock()
	return ch, nil, nil
}

func (p *Pool) discard(ch *Channel) {
	_ = ch.Close()
	p.decrement()
}

func (p *Pool) decrement() {
	p.mu.Lock()
	if p.total > 0 {
		p.total--
	}
	close(p.freed)
	p.freed = make(chan struct{})
	p.mu.Unlock()
}
