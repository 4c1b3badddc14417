package uci

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const wsWriteTimeout = 5 * time.Second

// WebSocketTransport carries UCI lines as text frames to a remote engine
// bridge. A frame may hold several newline-separated lines.
type WebSocketTransport struct {
	conn  *websocket.Conn
	lines chan string

	rootCtx    context.Context
	rootCancel context.CancelFunc
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

func DialWebSocket(ctx context.Context, wsURL string) (*WebSocketTransport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dial engine websocket: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	t := &WebSocketTransport{
		conn:  conn,
		lines: make(chan string, 64),
	}
	t.rootCtx, t.rootCancel = context.WithCancel(context.Background())
	t.wg.Add(1)
	go t.listen()
	return t, nil
}

func (t *WebSocketTransport) listen() {
	defer t.wg.Done()
	defer close(t.lines)
	for {
		typ, data, err := t.conn.Read(t.rootCtx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			select {
			case t.lines <- line:
			case <-t.rootCtx.Done():
				return
			}
		}
	}
}

func (t *WebSocketTransport) Lines() <-chan string { return t.lines }

func (t *WebSocketTransport) Send(line string) error {
	if t.rootCtx.Err() != nil {
		return errTransportClosed
	}
	ctx, cancel := context.WithTimeout(t.rootCtx, wsWriteTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, []byte(line))
}

func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.rootCancel()
		// Cancelling the read context already tears the connection down.
		_ = t.conn.Close(websocket.StatusNormalClosure, "shutdown")
		t.wg.Wait()
	})
	return nil
}
