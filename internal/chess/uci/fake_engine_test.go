package uci

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeEngine answers UCI commands synchronously from a script keyed by FEN.
type fakeEngine struct {
	mu        sync.Mutex
	lines     chan string
	sentCh    chan string
	closed    bool
	hungUp    bool
	silentUCI bool
	// silentReady drops readyok so a drain never completes.
	silentReady bool
	fen         string
	searching   bool
	evals       map[string][]string
	hang        map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		lines:  make(chan string, 256),
		sentCh: make(chan string, 256),
		evals:  make(map[string][]string),
		hang:   make(map[string]bool),
	}
}

func (f *fakeEngine) Lines() <-chan string { return f.lines }

func (f *fakeEngine) Send(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errTransportClosed
	}
	select {
	case f.sentCh <- line:
	default:
	}
	switch {
	case line == "uci":
		if !f.silentUCI {
			f.push("id name fake", "uciok")
		}
	case line == "isready":
		if !f.silentReady {
			f.push("readyok")
		}
	case strings.HasPrefix(line, "position fen "):
		f.fen = strings.TrimPrefix(line, "position fen ")
	case strings.HasPrefix(line, "go "):
		if f.hang[f.fen] {
			f.searching = true
			f.push("info depth 1 score cp 5")
			return nil
		}
		out, ok := f.evals[f.fen]
		if !ok {
			f.push("info depth 1 score cp 0", "bestmove (none)")
			return nil
		}
		f.push(out...)
	case line == "stop":
		if f.searching {
			f.searching = false
			f.push("bestmove a2a3")
		}
	}
	return nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEngine) emit(lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.push(lines...)
}

func (f *fakeEngine) hangUp() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hungUp {
		f.hungUp = true
		close(f.lines)
	}
}

func (f *fakeEngine) push(lines ...string) {
	if f.hungUp {
		return
	}
	for _, l := range lines {
		f.lines <- l
	}
}

func waitSent(t *testing.T, f *fakeEngine, prefix string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case line := <-f.sentCh:
			if strings.HasPrefix(line, prefix) {
				return
			}
		case <-deadline:
			t.Fatalf("engine never received %q", prefix)
		}
	}
}
