package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tokligence/tokligence-chatstream/internal/admission"
	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/coordinator"
	"github.com/tokligence/tokligence-chatstream/internal/delivery"
	"github.com/tokligence/tokligence-chatstream/internal/health"
	"github.com/tokligence/tokligence-chatstream/internal/metrics"
	"github.com/tokligence/tokligence-chatstream/internal/provider"
	"github.com/tokligence/tokligence-chatstream/internal/provider/loopback"
	"github.com/tokligence/tokligence-chatstream/internal/ratelimit"
	"github.com/tokligence/tokligence-chatstream/internal/sessionstore/memory"
	"github.com/tokligence/tokligence-chatstream/internal/testutil"
	"github.com/tokligence/tokligence-chatstream/internal/tokens"
	"github.com/tokligence/tokligence-chatstream/internal/worker"
)

type testEnv struct {
	srv     *testutil.IPv4Server
	coord   *coordinator.Coordinator
	metrics *metrics.Metrics
}

type envOptions struct {
	delay   time.Duration
	limiter *ratelimit.Limiter
}

func newTestEnv(t *testing.T, eo envOptions) *testEnv {
	t.Helper()
	m := metrics.New()
	store := memory.New()
	cfg := coordinator.DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.ShutdownGrace = 50 * time.Millisecond
	cfg.Worker = worker.Config{MaxAttempts: 1}
	coord, err := coordinator.New(cfg, coordinator.Deps{
		Store:     store,
		Strategy:  provider.Static(loopback.New(eo.delay)),
		Tokens:    tokens.New(tokens.EncodingEstimate, nil),
		Metrics:   m,
		Admission: admission.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})

	checker := health.New(health.Config{Probes: []health.Probe{
		{Name: "session_store", Type: "session_store", Critical: true, Target: store},
	}})
	s, err := New(Options{
		Coordinator:      coord,
		Health:           checker,
		Metrics:          m,
		Limiter:          eo.limiter,
		RateLimitEnabled: eo.limiter != nil,
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	return &testEnv{srv: testutil.NewIPv4Server(t, s.Router()), coord: coord, metrics: m}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header map[string]string) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) intake(t *testing.T, tenant, key, content string) (*http.Response, coordinator.IntakeResult) {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/conversations/conv_1/messages", map[string]any{"content": content},
		map[string]string{ratelimit.TenantHeader: tenant, IdempotencyHeader: key})
	var res coordinator.IntakeResult
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		decode(t, resp, &res)
	}
	return resp, res
}

func decode(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func expectError(t *testing.T, resp *http.Response, status int, kind chat.ErrorKind) {
	t.Helper()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, status, body)
	}
	var body errorBody
	decode(t, resp, &body)
	if body.Error.Kind != kind {
		t.Fatalf("error kind = %q, want %q (%s)", body.Error.Kind, kind, body.Error.Message)
	}
}

// readSSE collects every event until the server ends the stream.
func readSSE(t *testing.T, resp *http.Response) []chat.Event {
	t.Helper()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("events status = %d (%s)", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	var events []chat.Event
	err := delivery.ReadSSE(resp.Body, func(f delivery.Frame) error {
		ev, err := f.Decode()
		if err != nil {
			return err
		}
		if f.Event != string(ev.Type) {
			t.Errorf("frame event %q does not match payload type %q", f.Event, ev.Type)
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("read sse: %v", err)
	}
	return events
}

func content(events []chat.Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == chat.EventTokenDelta {
			b.WriteString(ev.Delta)
		}
	}
	return b.String()
}

func TestIntakeAndStream(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp, res := env.intake(t, "acme", "key-1", "hello world again")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("intake status = %d", resp.StatusCode)
	}
	if res.MessageID == "" || res.Duplicate {
		t.Fatalf("unexpected intake result %+v", res)
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/messages/"+res.MessageID {
		t.Fatalf("location = %q", loc)
	}

	events := readSSE(t, env.do(t, http.MethodGet, "/v1/messages/"+res.MessageID+"/events", nil, nil))
	if len(events) == 0 {
		t.Fatal("no events")
	}
	last := events[len(events)-1]
	if last.Type != chat.EventMessageCompleted {
		t.Fatalf("last event = %+v", last)
	}
	if got, want := content(events), "[loopback] hello world again"; got != want {
		t.Fatalf("content = %q, want %q", got, want)
	}
	if last.Content != "[loopback] hello world again" || last.ID != 4 {
		t.Fatalf("terminal event = %+v", last)
	}

	var m chat.Message
	decode(t, env.do(t, http.MethodGet, "/v1/messages/"+res.MessageID, nil, nil), &m)
	if m.Status != chat.StatusCompleted || m.LastSeq != 3 {
		t.Fatalf("message = %+v", m)
	}

	dup, again := env.intake(t, "acme", "key-1", "hello world again")
	if dup.StatusCode != http.StatusOK {
		t.Fatalf("duplicate status = %d", dup.StatusCode)
	}
	if !again.Duplicate || again.MessageID != res.MessageID || again.Status != chat.StatusCompleted {
		t.Fatalf("duplicate result = %+v", again)
	}
}

func TestResumeWithLastEventID(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	_, res := env.intake(t, "acme", "key-r", "one two three four")
	path := "/v1/messages/" + res.MessageID + "/events"
	readSSE(t, env.do(t, http.MethodGet, path, nil, nil))

	for name, header := range map[string]map[string]string{
		"header": {"Last-Event-ID": "2"},
		"query":  nil,
	} {
		t.Run(name, func(t *testing.T) {
			p := path
			if header == nil {
				p += "?last_event_id=2"
			}
			events := readSSE(t, env.do(t, http.MethodGet, p, nil, header))
			for _, ev := range events {
				if ev.ID < 2 {
					t.Fatalf("event %+v replayed before the cursor", ev)
				}
				if ev.Type == chat.EventTokenDelta && *ev.Seq <= 2 {
					t.Fatalf("chunk %d replayed", *ev.Seq)
				}
			}
			if got := content(events); got != "three four" {
				t.Fatalf("resumed content = %q", got)
			}
			if last := events[len(events)-1]; last.Type != chat.EventMessageCompleted {
				t.Fatalf("last event = %+v", last)
			}
		})
	}
}

func TestWebSocketSubscribe(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	_, res := env.intake(t, "acme", "key-ws", "over the socket")

	conn, resp, err := websocket.DefaultDialer.Dial(env.srv.WebSocketURL("/v1/messages/"+res.MessageID+"/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("upgrade status = %d", resp.StatusCode)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var events []chat.Event
	for {
		var ev chat.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v (after %d events)", err, len(events))
		}
		events = append(events, ev)
		if ev.Type.Terminal() {
			break
		}
	}
	if got := content(events); got != "[loopback] over the socket" {
		t.Fatalf("content = %q", got)
	}
}

func TestWebSocketUnknownMessage(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	_, resp, err := websocket.DefaultDialer.Dial(env.srv.WebSocketURL("/v1/messages/msg_missing/ws"), nil)
	if err == nil {
		t.Fatal("dial should fail for an unknown message")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("response = %+v", resp)
	}
}

func TestCancelAndToolEvents(t *testing.T) {
	env := newTestEnv(t, envOptions{delay: 200 * time.Millisecond})
	_, res := env.intake(t, "acme", "key-c", "a slow reply that will be cut")
	base := "/v1/messages/" + res.MessageID

	tool := map[string]any{"type": "tool.call.started", "tool": map[string]any{"name": "search", "arguments": map[string]any{"q": "go"}}}
	resp := env.do(t, http.MethodPost, base+"/tool-events", tool, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("tool event status = %d", resp.StatusCode)
	}
	var ev chat.Event
	decode(t, resp, &ev)
	if ev.Tool == nil || !strings.HasPrefix(ev.Tool.ID, "call_") || ev.Tool.Name != "search" {
		t.Fatalf("tool event = %+v", ev)
	}

	resp = env.do(t, http.MethodPost, base+"/cancel", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	var m chat.Message
	decode(t, resp, &m)
	switch {
	case m.Status == chat.StatusErrored && m.ErrorKind == chat.KindCancelled:
	case m.Status == chat.StatusPartial && m.ErrorKind == chat.KindPartialFailure:
	default:
		t.Fatalf("cancelled message = %+v", m)
	}

	expectError(t, env.do(t, http.MethodPost, base+"/tool-events", tool, nil), http.StatusBadRequest, chat.KindInvalidRequest)

	// Cancelling again returns the same final message.
	var again chat.Message
	decode(t, env.do(t, http.MethodPost, base+"/cancel", nil, nil), &again)
	if again.Status != m.Status || again.LastSeq != m.LastSeq {
		t.Fatalf("second cancel = %+v, first = %+v", again, m)
	}
}

func TestRequestErrors(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tenant := map[string]string{ratelimit.TenantHeader: "acme"}

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		header map[string]string
		status int
		kind   chat.ErrorKind
	}{
		{"missing tenant", http.MethodPost, "/v1/conversations/c/messages", map[string]any{"content": "hi"}, nil, http.StatusBadRequest, chat.KindInvalidRequest},
		{"empty content", http.MethodPost, "/v1/conversations/c/messages", map[string]any{"content": "  "}, tenant, http.StatusBadRequest, chat.KindInvalidRequest},
		{"unknown field", http.MethodPost, "/v1/conversations/c/messages", map[string]any{"content": "hi", "temperature": 1}, tenant, http.StatusBadRequest, chat.KindInvalidRequest},
		{"malformed json", http.MethodPost, "/v1/conversations/c/messages", "{", tenant, http.StatusBadRequest, chat.KindInvalidRequest},
		{"assistant role", http.MethodPost, "/v1/conversations/c/messages", map[string]any{"content": "hi", "role": "assistant"}, tenant, http.StatusBadRequest, chat.KindInvalidRequest},
		{"unknown message", http.MethodGet, "/v1/messages/msg_missing", nil, nil, http.StatusNotFound, chat.KindNotFound},
		{"unknown stream", http.MethodGet, "/v1/messages/msg_missing/events", nil, nil, http.StatusNotFound, chat.KindNotFound},
		{"bad cursor", http.MethodGet, "/v1/messages/msg_missing/events?last_event_id=abc", nil, nil, http.StatusBadRequest, chat.KindInvalidRequest},
		{"cancel unknown", http.MethodPost, "/v1/messages/msg_missing/cancel", nil, nil, http.StatusNotFound, chat.KindNotFound},
		{"tool without name", http.MethodPost, "/v1/messages/msg_missing/tool-events", map[string]any{"type": "tool.call.started", "tool": map[string]any{}}, nil, http.StatusBadRequest, chat.KindInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expectError(t, env.do(t, tc.method, tc.path, tc.body, tc.header), tc.status, tc.kind)
		})
	}
}

func TestIntakeRateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{Default: ratelimit.Rate{RequestsPerSecond: 0.01, Burst: 1}}, nil)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, envOptions{limiter: limiter})

	if resp, _ := env.intake(t, "acme", "k1", "first"); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first intake status = %d", resp.StatusCode)
	}
	resp, _ := env.intake(t, "acme", "k2", "second")
	if ra := resp.Header.Get("Retry-After"); ra == "" || ra == "0" {
		t.Fatalf("Retry-After = %q", ra)
	}
	expectError(t, resp, http.StatusTooManyRequests, chat.KindTenantQuotaExceeded)

	if resp, _ := env.intake(t, "globex", "k3", "other tenant"); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("other tenant status = %d", resp.StatusCode)
	}
}

func TestAdminHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	_, res := env.intake(t, "acme", "key-a", "count me")
	readSSE(t, env.do(t, http.MethodGet, "/v1/messages/"+res.MessageID+"/events", nil, nil))

	var stats admissionStats
	decode(t, env.do(t, http.MethodGet, "/admin/admission", nil, nil), &stats)
	if len(stats.Classes) != 1 || stats.Classes[0].Class != "default" || stats.Classes[0].Dispatched != 1 {
		t.Fatalf("admission stats = %+v", stats)
	}

	resp := env.do(t, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var h map[string]any
	decode(t, resp, &h)
	if h["status"] != string(health.StatusHealthy) {
		t.Fatalf("health = %+v", h)
	}

	resp = env.do(t, http.MethodGet, "/metrics", nil, nil)
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`chatstream_http_requests_total{method="POST",route="/v1/conversations/{conversationID}/messages",status="202"} 1`,
		`chatstream_http_requests_total{method="GET",route="/v1/messages/{messageID}/events",status="200"} 1`,
	} {
		if !bytes.Contains(body, []byte(want)) {
			t.Fatalf("metrics missing %s", want)
		}
	}
}

func TestEndpointSelection(t *testing.T) {
	coord := newTestEnv(t, envOptions{}).coord
	s, err := New(Options{Coordinator: coord, Endpoints: []string{"Health", "health", " bogus "}})
	if err != nil {
		t.Fatal(err)
	}
	srv := testutil.NewIPv4Server(t, s.Router())
	for path, want := range map[string]int{"/health": http.StatusOK, "/admin/admission": http.StatusNotFound} {
		resp, err := srv.Client().Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[chat.ErrorKind]int{
		chat.KindInvalidRequest:      http.StatusBadRequest,
		chat.KindTenantQuotaExceeded: http.StatusTooManyRequests,
		chat.KindPolicyBlocked:       http.StatusUnprocessableEntity,
		chat.KindNotFound:            http.StatusNotFound,
		chat.KindShutdownAborted:     http.StatusServiceUnavailable,
		chat.KindProviderTimeout:     http.StatusGatewayTimeout,
		chat.KindProviderFailure:     http.StatusInternalServerError,
		chat.KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusFor(kind); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", kind, got, want)
		}
	}
	if kindOf(context.Canceled) != chat.KindCancelled {
		t.Error("context.Canceled should map to Cancelled")
	}
	if kindOf(io.EOF) != chat.KindInternal {
		t.Error("unclassified errors should be Internal")
	}
}
