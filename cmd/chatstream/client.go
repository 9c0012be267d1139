package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/coordinator"
	"github.com/tokligence/tokligence-chatstream/internal/delivery"
)

// client talks to a chatstreamd instance.
type client struct {
	baseURL string
	tenant  string
	http    *http.Client

	// maxReconnects bounds how often tail re-attaches after a dropped stream.
	maxReconnects int
	backoff       time.Duration
}

func newClient(baseURL, tenant string) *client {
	return &client{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		tenant:        tenant,
		http:          &http.Client{},
		maxReconnects: 5,
		backoff:       500 * time.Millisecond,
	}
}

func (c *client) do(ctx context.Context, method, path string, body any, header http.Header) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}
	return c.http.Do(req)
}

// decodeResponse fills dst on 2xx and turns an error body into a *chat.Error.
func decodeResponse(resp *http.Response, dst any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if dst == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(dst)
	}
	return responseError(resp)
}

func responseError(resp *http.Response) error {
	var body struct {
		Error struct {
			Kind    chat.ErrorKind `json:"kind"`
			Message string         `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error.Kind == "" {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return chat.Errorf(body.Error.Kind, "%s", body.Error.Message)
}

type submitRequest struct {
	ConversationID string
	Content        string
	Model          string
	IdempotencyKey string
}

func (c *client) submit(ctx context.Context, req submitRequest) (coordinator.IntakeResult, error) {
	header := http.Header{}
	if req.IdempotencyKey != "" {
		header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	body := map[string]any{"content": req.Content}
	if req.Model != "" {
		body["model"] = req.Model
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/conversations/"+req.ConversationID+"/messages", body, header)
	if err != nil {
		return coordinator.IntakeResult{}, err
	}
	var res coordinator.IntakeResult
	return res, decodeResponse(resp, &res)
}

func (c *client) get(ctx context.Context, messageID string) (chat.Message, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/messages/"+messageID, nil, nil)
	if err != nil {
		return chat.Message{}, err
	}
	var m chat.Message
	return m, decodeResponse(resp, &m)
}

func (c *client) cancel(ctx context.Context, messageID string) (chat.Message, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/messages/"+messageID+"/cancel", nil, nil)
	if err != nil {
		return chat.Message{}, err
	}
	var m chat.Message
	return m, decodeResponse(resp, &m)
}

// errStreamEnded marks a stream that closed before its terminal event.
var errStreamEnded = errors.New("stream ended before the terminal event")

// tail follows a message over SSE from cursor, re-attaching with the last seen
// event id when the connection drops, and returns the terminal event.
func (c *client) tail(ctx context.Context, messageID string, cursor *int64, fn func(chat.Event)) (chat.Event, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxReconnects; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return chat.Event{}, ctx.Err()
			case <-time.After(c.backoff):
			}
		}
		terminal, last, err := c.stream(ctx, messageID, cursor, fn)
		if err == nil {
			return terminal, nil
		}
		var ce *chat.Error
		if errors.As(err, &ce) || ctx.Err() != nil {
			return chat.Event{}, err
		}
		if last != nil {
			cursor = last
		}
		lastErr = err
	}
	return chat.Event{}, fmt.Errorf("gave up after %d reconnects: %w", c.maxReconnects, lastErr)
}

func (c *client) stream(ctx context.Context, messageID string, cursor *int64, fn func(chat.Event)) (chat.Event, *int64, error) {
	header := http.Header{}
	header.Set("Accept", "text/event-stream")
	if cursor != nil {
		header.Set("Last-Event-ID", strconv.FormatInt(*cursor, 10))
	}
	resp, err := c.do(ctx, http.MethodGet, "/v1/messages/"+messageID+"/events", nil, header)
	if err != nil {
		return chat.Event{}, cursor, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return chat.Event{}, cursor, responseError(resp)
	}

	var terminal *chat.Event
	err = delivery.ReadSSE(resp.Body, func(f delivery.Frame) error {
		ev, err := f.Decode()
		if err != nil {
			return err
		}
		if cursor == nil || ev.ID > *cursor {
			id := ev.ID
			cursor = &id
		}
		fn(ev)
		if ev.Type.Terminal() {
			terminal = &ev
			return io.EOF
		}
		return nil
	})
	if terminal != nil {
		return *terminal, cursor, nil
	}
	if err == nil {
		err = errStreamEnded
	}
	return chat.Event{}, cursor, err
}
