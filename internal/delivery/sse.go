package delivery

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
)

// SSE writes events as text/event-stream frames.
type SSE struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	done    <-chan struct{}
	closed  bool
}

var (
	_ Channel = (*SSE)(nil)
	_ Pinger  = (*SSE)(nil)
	_ Doner   = (*SSE)(nil)
)

// NewSSE prepares w for streaming and writes the response headers. done is
// typically r.Context().Done().
func NewSSE(w http.ResponseWriter, done <-chan struct{}) (*SSE, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("delivery: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSE{w: w, flusher: flusher, done: done}, nil
}

// Send writes one frame and flushes it.
func (s *SSE) Send(ctx context.Context, ev chat.Event) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := WriteSSE(s.w, ev); err != nil {
		s.closed = true
		return fmt.Errorf("delivery: write sse: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// Ping writes an SSE comment line.
func (s *SSE) Ping(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, ": keepalive\n\n"); err != nil {
		s.closed = true
		return fmt.Errorf("delivery: write sse ping: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *SSE) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Done is closed when the client disconnects.
func (s *SSE) Done() <-chan struct{} { return s.done }

// Close marks the channel closed. The HTTP handler returning ends the response.
func (s *SSE) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// WriteSSE encodes ev as "id", "event" and "data" lines.
func WriteSSE(w io.Writer, ev chat.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}

// Frame is one decoded SSE frame.
type Frame struct {
	ID    string
	Event string
	Data  string
}

// ReadSSE decodes frames from r and calls fn for each one that carries data.
// Comment lines (keepalives) are skipped.
func ReadSSE(r io.Reader, fn func(Frame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	var f Frame
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				f.Data = strings.Join(data, "\n")
				if err := fn(f); err != nil {
					return err
				}
			}
			f, data = Frame{}, nil
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "id":
				f.ID = value
			case "event":
				f.Event = value
			case "data":
				data = append(data, value)
			}
		}
	}
	return scanner.Err()
}

// Decode unmarshals the frame's data into an Event.
func (f Frame) Decode() (chat.Event, error) {
	var ev chat.Event
	if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
		return ev, fmt.Errorf("delivery: decode event %s: %w", f.ID, err)
	}
	return ev, nil
}

// ParseCursor reads a last_event_id value. Empty input means "no cursor".
func ParseCursor(raw string) (*int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < chat.NoSeq {
		return nil, chat.Errorf(chat.KindInvalidRequest, "invalid last_event_id %q", raw)
	}
	return &v, nil
}
