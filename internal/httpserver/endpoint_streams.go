package httpserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/delivery"
	"github.com/tokligence/tokligence-chatstream/internal/httpserver/protocol"
)

type streamsEndpoint struct {
	server *Server
}

func newStreamsEndpoint(server *Server) protocol.Endpoint {
	return &streamsEndpoint{server: server}
}

func (e *streamsEndpoint) Name() string { return "streams" }

func (e *streamsEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/v1/messages/{messageID}/events", Handler: http.HandlerFunc(e.server.HandleEvents)},
		{Method: http.MethodGet, Path: "/v1/messages/{messageID}/ws", Handler: http.HandlerFunc(e.server.HandleWebSocket)},
	}
}

// resumeCursor reads Last-Event-ID, falling back to ?last_event_id.
func resumeCursor(r *http.Request) (*int64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	return delivery.ParseCursor(raw)
}

// HandleEvents streams a message over Server-Sent Events until its terminal
// event or until the client goes away.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id, err := requireParam(r, "messageID")
	if err != nil {
		s.respondError(w, err)
		return
	}
	cursor, err := resumeCursor(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	ch := &lazySSE{w: w, done: r.Context().Done()}
	sub, err := s.coord.Subscribe(r.Context(), id, cursor, ch)
	if err != nil {
		s.respondErrorFor(w, id, err)
		return
	}
	if err := ch.open(); err != nil {
		s.log.Warn("Server.HandleEvents: open stream failed", "message_id", id, "error", err)
	}
	<-sub.Done()
}

// lazySSE writes the SSE response headers on first use, so that a failed
// Subscribe can still answer with a JSON error.
type lazySSE struct {
	w    http.ResponseWriter
	done <-chan struct{}

	mu  sync.Mutex
	sse *delivery.SSE
	err error
}

var (
	_ delivery.Channel = (*lazySSE)(nil)
	_ delivery.Pinger  = (*lazySSE)(nil)
	_ delivery.Doner   = (*lazySSE)(nil)
)

func (l *lazySSE) stream() (*delivery.SSE, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sse == nil && l.err == nil {
		l.sse, l.err = delivery.NewSSE(l.w, l.done)
	}
	return l.sse, l.err
}

func (l *lazySSE) open() error {
	_, err := l.stream()
	return err
}

func (l *lazySSE) Send(ctx context.Context, ev chat.Event) error {
	sse, err := l.stream()
	if err != nil {
		return err
	}
	return sse.Send(ctx, ev)
}

func (l *lazySSE) Ping(ctx context.Context) error {
	sse, err := l.stream()
	if err != nil {
		return err
	}
	return sse.Ping(ctx)
}

func (l *lazySSE) Done() <-chan struct{} { return l.done }

func (l *lazySSE) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sse == nil {
		return nil
	}
	return l.sse.Close()
}

// HandleWebSocket streams a message as JSON text frames over a WebSocket.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, err := requireParam(r, "messageID")
	if err != nil {
		s.respondError(w, err)
		return
	}
	cursor, err := resumeCursor(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	// Unknown ids are answered before the upgrade.
	if _, err := s.coord.GetMessage(r.Context(), id); err != nil {
		s.respondErrorFor(w, id, err)
		return
	}
	conn, err := delivery.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		s.log.Debug("Server.HandleWebSocket: upgrade failed", "message_id", id, "error", err)
		return
	}
	ws := delivery.NewWebSocket(conn, s.wsTimeout)
	sub, err := s.coord.Subscribe(r.Context(), id, cursor, ws)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if statusFor(kindOf(err)) < http.StatusInternalServerError {
			code = websocket.ClosePolicyViolation
		}
		msg := websocket.FormatCloseMessage(code, truncate(err.Error(), 120))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	<-sub.Done()
}

// truncate keeps close reasons within the 123 byte control frame payload.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
