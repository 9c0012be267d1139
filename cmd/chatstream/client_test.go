package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/delivery"
	"github.com/tokligence/tokligence-chatstream/internal/testutil"
)

func delta(id string, seq int64, text string) chat.Event {
	return chat.DeltaEvent(id, chat.Chunk{Seq: seq, Delta: text})
}

func TestTailReconnectsFromLastEventID(t *testing.T) {
	var calls atomic.Int32
	var resumed atomic.Value
	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		switch calls.Add(1) {
		case 1:
			_ = delivery.WriteSSE(w, delta("msg_1", 0, "hello "))
			_ = delivery.WriteSSE(w, delta("msg_1", 1, "there "))
			// Drop the connection before the terminal event.
		default:
			resumed.Store(r.Header.Get("Last-Event-ID"))
			_ = delivery.WriteSSE(w, delta("msg_1", 2, "friend"))
			_ = delivery.WriteSSE(w, chat.TerminalEvent(chat.Message{ID: "msg_1", Status: chat.StatusCompleted, Content: "hello there friend", LastSeq: 2}))
		}
	}))

	c := newClient(srv.URL, "acme")
	c.backoff = time.Millisecond
	var text strings.Builder
	terminal, err := c.tail(context.Background(), "msg_1", nil, func(ev chat.Event) {
		if ev.Type == chat.EventTokenDelta {
			text.WriteString(ev.Delta)
		}
	})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if got := resumed.Load(); got != "1" {
		t.Fatalf("resumed with Last-Event-ID %v, want 1", got)
	}
	if text.String() != "hello there friend" {
		t.Fatalf("text = %q", text.String())
	}
	if terminal.Type != chat.EventMessageCompleted || terminal.ID != 3 {
		t.Fatalf("terminal = %+v", terminal)
	}
}

func TestTailStopsOnProtocolError(t *testing.T) {
	var calls atomic.Int32
	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"kind":"NotFound","message":"message msg_x not found"}}`))
	}))

	c := newClient(srv.URL, "acme")
	c.backoff = time.Millisecond
	_, err := c.tail(context.Background(), "msg_x", nil, func(chat.Event) {})
	if chat.KindOf(err) != chat.KindNotFound {
		t.Fatalf("err = %v, want NotFound", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want no retries", calls.Load())
	}
}

func TestTailGivesUp(t *testing.T) {
	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	c := newClient(srv.URL, "acme")
	c.backoff = time.Millisecond
	c.maxReconnects = 2
	_, err := c.tail(context.Background(), "msg_1", nil, func(chat.Event) {})
	if err == nil || !strings.Contains(err.Error(), errStreamEnded.Error()) {
		t.Fatalf("err = %v", err)
	}
}

func TestSubmitSendsHeaders(t *testing.T) {
	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/conversations/conv_9/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Tenant-ID") != "acme" || r.Header.Get("Idempotency-Key") != "k-1" {
			t.Errorf("headers = %v", r.Header)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["content"] != "hi" || body["model"] != "gpt-4o" {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"message_id":"msg_1","status":"pending","duplicate":false,"queued":true}`))
	}))

	res, err := newClient(srv.URL, "acme").submit(context.Background(), submitRequest{
		ConversationID: "conv_9", Content: "hi", Model: "gpt-4o", IdempotencyKey: "k-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.MessageID != "msg_1" || !res.Queued {
		t.Fatalf("result = %+v", res)
	}
}

func TestFollowReportsErrorOutcome(t *testing.T) {
	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_ = delivery.WriteSSE(w, delta("msg_2", 0, "half"))
		_ = delivery.WriteSSE(w, chat.TerminalEvent(chat.Message{ID: "msg_2", Status: chat.StatusPartial, ErrorKind: chat.KindPartialFailure, Content: "half"}))
	}))

	var out bytes.Buffer
	err := follow(context.Background(), newClient(srv.URL, "acme"), "msg_2", nil, false, &out)
	if chat.KindOf(err) != chat.KindPartialFailure {
		t.Fatalf("err = %v", err)
	}
	if out.String() != "half\n" {
		t.Fatalf("out = %q", out.String())
	}
}
