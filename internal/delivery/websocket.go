package delivery

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
)

// Upgrader accepts WebSocket subscriptions. Origin checks are left to the
// reverse proxy in front of the service.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const defaultWriteTimeout = 10 * time.Second

// WebSocket writes events as JSON text frames.
type WebSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex // serializes writes
	done   chan struct{}
	once   sync.Once
	closed bool
}

var (
	_ Channel = (*WebSocket)(nil)
	_ Pinger  = (*WebSocket)(nil)
	_ Doner   = (*WebSocket)(nil)
)

// NewWebSocket wraps conn and starts a reader that discards client frames and
// notices disconnects.
func NewWebSocket(conn *websocket.Conn, writeTimeout time.Duration) *WebSocket {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ws := &WebSocket{conn: conn, writeTimeout: writeTimeout, done: make(chan struct{})}
	go ws.readLoop()
	return ws
}

func (ws *WebSocket) readLoop() {
	defer ws.markDone()
	for {
		if _, _, err := ws.conn.NextReader(); err != nil {
			return
		}
	}
}

func (ws *WebSocket) markDone() { ws.once.Do(func() { close(ws.done) }) }

// Done is closed when the peer disconnects or Close is called.
func (ws *WebSocket) Done() <-chan struct{} { return ws.done }

// Send writes ev as one text frame.
func (ws *WebSocket) Send(ctx context.Context, ev chat.Event) error {
	return ws.write(ctx, func() error { return ws.conn.WriteJSON(ev) })
}

// Ping sends a ping control frame.
func (ws *WebSocket) Ping(ctx context.Context) error {
	return ws.write(ctx, func() error {
		return ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ws.writeTimeout))
	})
}

func (ws *WebSocket) write(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ws.done:
		return ErrClosed
	default:
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return ErrClosed
	}
	deadline := time.Now().Add(ws.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = ws.conn.SetWriteDeadline(deadline)
	if err := fn(); err != nil {
		ws.closed = true
		ws.markDone()
		return fmt.Errorf("delivery: write websocket: %w", err)
	}
	return nil
}

// Close sends a normal closure frame and closes the connection.
func (ws *WebSocket) Close() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		ws.markDone()
		return ws.conn.Close()
	}
	ws.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	ws.markDone()
	return ws.conn.Close()
}
