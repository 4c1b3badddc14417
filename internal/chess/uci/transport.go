package uci

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

var errTransportClosed = errors.New("transport closed")

// ProcessTransport talks to a local engine binary over stdin/stdout.
type ProcessTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	readerWG  sync.WaitGroup
}

func StartProcess(binaryPath string) (*ProcessTransport, error) {
	if binaryPath == "" {
		return nil, fmt.Errorf("binary path required")
	}
	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	t := &ProcessTransport{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}
	t.readerWG.Add(1)
	go t.read(stdout)
	return t, nil
}

func (t *ProcessTransport) read(stdout io.Reader) {
	defer t.readerWG.Done()
	defer close(t.lines)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case t.lines <- scanner.Text():
		case <-t.done:
			return
		}
	}
}

func (t *ProcessTransport) Lines() <-chan string { return t.lines }

func (t *ProcessTransport) Send(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	_, err := io.WriteString(t.stdin, line+"\n")
	return err
}

func (t *ProcessTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		close(t.done)
		_, _ = io.WriteString(t.stdin, "quit\n")
		t.stdin.Close()
		t.mu.Unlock()

		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		t.readerWG.Wait()
		waitErr := t.cmd.Wait()
		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			err = waitErr
		}
	})
	return err
}
