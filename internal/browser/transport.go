package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrDisconnected is returned once the DevTools connection has dropped.
var ErrDisconnected = errors.New("browser: disconnected")

var dialer = websocket.Dialer{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1 << 16,
	WriteBufferSize:  1 << 16,
}

// wsTransport carries DevTools messages over a gorilla websocket. rod's cdp
// client reads from one goroutine and may send from many.
type wsTransport struct {
	conn *websocket.Conn

	sendMu sync.Mutex
	mu     sync.Mutex
	closed bool
}

func dialCDP(ctx context.Context, controlURL string) (*wsTransport, error) {
	conn, _, err := dialer.DialContext(ctx, controlURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", controlURL, err)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(data []byte) error {
	if t.isClosed() {
		return ErrDisconnected
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.markClosed()
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (t *wsTransport) Read() ([]byte, error) {
	for {
		messageType, msg, err := t.conn.ReadMessage()
		if err != nil {
			t.markClosed()
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		if messageType == websocket.TextMessage {
			return msg, nil
		}
	}
}

func (t *wsTransport) Close() error {
	if t.isClosed() {
		return nil
	}
	t.markClosed()
	t.sendMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.sendMu.Unlock()
	return t.conn.Close()
}

func (t *wsTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *wsTransport) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}
