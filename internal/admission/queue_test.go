package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
)

// gate blocks handlers until released and records dispatch order.
type gate struct {
	mu      sync.Mutex
	order   []string
	release chan struct{}
	started chan string
}

func newGate() *gate {
	return &gate{release: make(chan struct{}), started: make(chan string, 64)}
}

func (g *gate) handler(ctx context.Context, req *Request) {
	g.mu.Lock()
	g.order = append(g.order, req.ID)
	g.mu.Unlock()
	g.started <- req.ID
	select {
	case <-g.release:
	case <-ctx.Done():
	}
}

func (g *gate) waitStarted(t *testing.T, n int) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		select {
		case id := <-g.started:
			ids = append(ids, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d dispatches, got %v", n, ids)
		}
	}
	return ids
}

func testConfig(concurrent, depth, ceiling int, wait time.Duration) Config {
	return Config{
		Classes:       []ClassConfig{{Name: "small", MaxConcurrent: concurrent, MaxQueueDepth: depth, MaxWait: wait}},
		TenantCeiling: ceiling,
		SweepInterval: 5 * time.Millisecond,
	}
}

func shutdown(t *testing.T, q *Queue, g *gate) {
	t.Helper()
	close(g.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := q.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSubmitRejectsAboveTenantCeiling(t *testing.T) {
	g := newGate()
	q, err := New(testConfig(10, 10, 2, time.Minute), g.handler)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer shutdown(t, q, g)

	for i := 0; i < 2; i++ {
		if _, err := q.Submit(&Request{ID: fmt.Sprintf("m%d", i), Tenant: "t1"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	start := time.Now()
	_, err = q.Submit(&Request{ID: "m2", Tenant: "t1"})
	if !errors.Is(err, chat.ErrTenantQuotaExceeded) {
		t.Fatalf("expected TenantQuotaExceeded, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("rejection must be immediate")
	}
	if _, err := q.Submit(&Request{ID: "other", Tenant: "t2"}); err != nil {
		t.Fatalf("other tenant should be admitted: %v", err)
	}
	g.waitStarted(t, 3)
}

func TestTenantOverrideCeiling(t *testing.T) {
	g := newGate()
	cfg := testConfig(10, 10, 1, time.Minute)
	cfg.TenantCeilings = map[string]int{"vip": 3}
	q, err := New(cfg, g.handler)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer shutdown(t, q, g)

	for i := 0; i < 3; i++ {
		if _, err := q.Submit(&Request{ID: fmt.Sprintf("v%d", i), Tenant: "vip"}); err != nil {
			t.Fatalf("vip submit %d: %v", i, err)
		}
	}
	if _, err := q.Submit(&Request{ID: "v3", Tenant: "vip"}); !errors.Is(err, chat.ErrTenantQuotaExceeded) {
		t.Fatalf("expected ceiling at 3, got %v", err)
	}
}

func TestQueueFullRejects(t *testing.T) {
	g := newGate()
	q, err := New(testConfig(1, 1, 10, time.Minute), g.handler)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer shutdown(t, q, g)

	if queued, err := q.Submit(&Request{ID: "a", Tenant: "t1"}); err != nil || queued {
		t.Fatalf("first request should run immediately: queued=%v err=%v", queued, err)
	}
	g.waitStarted(t, 1)
	if queued, err := q.Submit(&Request{ID: "b", Tenant: "t2"}); err != nil || !queued {
		t.Fatalf("second request should queue: queued=%v err=%v", queued, err)
	}
	if _, err := q.Submit(&Request{ID: "c", Tenant: "t3"}); !errors.Is(err, chat.ErrTenantQuotaExceeded) {
		t.Fatalf("expected rejection on full queue, got %v", err)
	}
	stats := q.Stats()
	if stats[0].Queued != 1 || stats[0].Running != 1 || stats[0].Rejected != 1 {
		t.Fatalf("unexpected stats %+v", stats[0])
	}
}

func TestFIFODispatchOrder(t *testing.T) {
	g := newGate()
	q, err := New(testConfig(1, 10, 10, time.Minute), g.handler)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer shutdown(t, q, g)

	q.Submit(&Request{ID: "first", Tenant: "a"})
	g.waitStarted(t, 1)
	for _, id := range []string{"q1", "q2", "q3"} {
		if _, err := q.Submit(&Request{ID: id, Tenant: "a"}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	var got []string
	for i := 0; i < 3; i++ {
		g.release <- struct{}{}
		got = append(got, g.waitStarted(t, 1)...)
	}
	want := []string{"q1", "q2", "q3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", got, want)
		}
	}
}

func TestExpiredRequestsAreReported(t *testing.T) {
	g := newGate()
	expired := make(chan string, 1)
	q, err := New(testConfig(1, 10, 1, 20*time.Millisecond), g.handler,
		WithExpireFunc(func(r *Request) { expired <- r.ID }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer shutdown(t, q, g)

	q.Submit(&Request{ID: "running", Tenant: "a"})
	g.waitStarted(t, 1)
	q.Submit(&Request{ID: "waiting", Tenant: "b"})

	select {
	case id := <-expired:
		if id != "waiting" {
			t.Fatalf("expired %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("queued request never expired")
	}
	if s := q.Stats()[0]; s.Expired != 1 || s.Queued != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
	// The expired request no longer counts against its tenant.
	if _, err := q.Submit(&Request{ID: "again", Tenant: "b"}); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
}

func TestCancelQueued(t *testing.T) {
	g := newGate()
	q, err := New(testConfig(1, 10, 1, time.Minute), g.handler)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer shutdown(t, q, g)

	q.Submit(&Request{ID: "running", Tenant: "a"})
	g.waitStarted(t, 1)
	q.Submit(&Request{ID: "queued", Tenant: "b"})
	if !q.Cancel("queued") {
		t.Fatalf("queued request should be cancellable")
	}
	if q.Cancel("running") {
		t.Fatalf("running request is not in the queue")
	}
	if _, err := q.Submit(&Request{ID: "queued-2", Tenant: "b"}); err != nil {
		t.Fatalf("tenant slot should be free after cancel: %v", err)
	}
}

func TestUnknownClassFallsBackToDefault(t *testing.T) {
	g := newGate()
	q, err := New(testConfig(2, 2, 2, time.Minute), g.handler)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer shutdown(t, q, g)
	req := &Request{ID: "x", Tenant: "t", Class: "gigantic"}
	if _, err := q.Submit(req); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Class != "small" {
		t.Fatalf("class = %s", req.Class)
	}
	if _, err := q.Submit(&Request{Tenant: "t"}); !errors.Is(err, chat.ErrInvalidRequest) {
		t.Fatalf("missing id should be invalid, got %v", err)
	}
}

func TestShutdownDrainsQueue(t *testing.T) {
	g := newGate()
	q, err := New(testConfig(1, 10, 10, time.Minute), g.handler)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	q.Submit(&Request{ID: "running", Tenant: "a"})
	g.waitStarted(t, 1)
	q.Submit(&Request{ID: "w1", Tenant: "a"})
	q.Submit(&Request{ID: "w2", Tenant: "b"})

	// The running handler only stops when its context is cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	drained, err := q.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shutdown should time out waiting for the running handler, got %v", err)
	}
	if len(drained) != 2 {
		t.Fatalf("drained %d requests", len(drained))
	}
	if _, err := q.Submit(&Request{ID: "late", Tenant: "a"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestParseClasses(t *testing.T) {
	classes, err := ParseClasses("small:32:256:30s, large:4:64:2m")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(classes) != 2 || classes[1].Name != "large" || classes[1].MaxConcurrent != 4 || classes[1].MaxWait != 2*time.Minute {
		t.Fatalf("unexpected classes %+v", classes)
	}
	if _, err := ParseClasses("broken:1"); err == nil {
		t.Fatalf("expected error for malformed entry")
	}
}
