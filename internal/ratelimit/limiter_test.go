package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStoreWithCleanup(0)
	store.now = clock.now
	cfg.Store = store
	l := NewLimiter(cfg, nil)
	t.Cleanup(func() { _ = l.Close() })
	return l, clock
}

func TestLimiter_PerTenant(t *testing.T) {
	l, clock := newTestLimiter(t, Config{Default: Rate{RequestsPerSecond: 1, Burst: 3}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d := l.Allow(ctx, "acme"); !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	d := l.Allow(ctx, "acme")
	if d.Allowed {
		t.Fatal("4th request should be denied")
	}
	if d.RetryAfter != time.Second {
		t.Errorf("retry after = %v, want 1s", d.RetryAfter)
	}
	if !l.Allow(ctx, "globex").Allowed {
		t.Fatal("other tenant should have its own bucket")
	}

	clock.advance(time.Second)
	if !l.Allow(ctx, "acme").Allowed {
		t.Fatal("request after refill should be allowed")
	}
}

func TestLimiter_TenantOverride(t *testing.T) {
	l, _ := newTestLimiter(t, Config{
		Default: Rate{RequestsPerSecond: 1, Burst: 1},
		Tenants: map[string]Rate{"big": {RequestsPerSecond: 5}},
	})
	if r := l.RateFor("big"); r.Burst != 5 {
		t.Fatalf("override burst = %v, want 5 (defaults to the rate)", r.Burst)
	}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if !l.Allow(ctx, "big").Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow(ctx, "big").Allowed {
		t.Fatal("6th request should be denied")
	}
}

func TestLimiter_EmptyTenantUnlimited(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Default: Rate{RequestsPerSecond: 1, Burst: 1}})
	for i := 0; i < 10; i++ {
		if !l.Allow(context.Background(), "").Allowed {
			t.Fatalf("request %d without tenant was limited", i)
		}
	}
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Default: Rate{RequestsPerSecond: 1, Burst: 1}})
	ctx := context.Background()
	l.Allow(ctx, "acme")
	if l.Allow(ctx, "acme").Allowed {
		t.Fatal("bucket should be empty")
	}
	if err := l.Reset(ctx, "acme"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !l.Allow(ctx, "acme").Allowed {
		t.Fatal("request after reset should be allowed")
	}
}

type failingStore struct{}

func (failingStore) Take(context.Context, string, float64, float64) (Decision, error) {
	return Decision{}, errors.New("boom")
}
func (failingStore) Reset(context.Context, string) error { return nil }
func (failingStore) Close() error                        { return nil }

func TestLimiter_FailOpen(t *testing.T) {
	l := NewLimiter(Config{Store: failingStore{}}, nil)
	if !l.Allow(context.Background(), "acme").Allowed {
		t.Fatal("store failure should allow the request")
	}
}

func TestDefaultConfig(t *testing.T) {
	l := NewLimiter(Config{}, nil)
	defer l.Close()
	r := l.RateFor("anyone")
	if r.RequestsPerSecond != 10 || r.Burst != 20 {
		t.Fatalf("default rate = %+v", r)
	}
}

func TestMemoryStore_Cleanup(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStoreWithCleanup(0)
	defer s.Close()
	s.now = clock.now
	ctx := context.Background()
	if _, err := s.Take(ctx, "a", 10, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Take(ctx, "b", 10, 10); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}
	clock.advance(time.Second)
	s.cleanup()
	if s.Len() != 0 {
		t.Fatalf("len after cleanup = %d, want 0", s.Len())
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Default: Rate{RequestsPerSecond: 1, Burst: 2}})
	var rejected string
	mw := NewMiddleware(l, true, func(w http.ResponseWriter, _ *http.Request, tenant string, _ Decision) {
		rejected = tenant
		w.WriteHeader(http.StatusTooManyRequests)
	}, nil)
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) }))

	do := func(tenant string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/conversations/c1/messages", nil)
		if tenant != "" {
			req.Header.Set(TenantHeader, tenant)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("acme"); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
	rec := do("acme")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("X-RateLimit-Limit = %q, want 2", got)
	}
	if rejected != "acme" {
		t.Errorf("rejected tenant = %q", rejected)
	}
	if rec := do(""); rec.Code != http.StatusAccepted {
		t.Fatalf("request without tenant: status %d", rec.Code)
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	l, _ := newTestLimiter(t, Config{Default: Rate{RequestsPerSecond: 1, Burst: 1}})
	h := NewMiddleware(l, false, nil, nil).Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set(TenantHeader, "acme")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{200 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
	}
	for _, tc := range cases {
		if got := RetryAfterSeconds(tc.in); got != tc.want {
			t.Errorf("RetryAfterSeconds(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

// Set CHATSTREAM_TEST_REDIS_ADDR (host:port) to run against a live server.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("CHATSTREAM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHATSTREAM_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	clock := newFakeClock()
	s := NewRedisStore(client, "chatstream-test-"+uuid.NewString())
	s.now = clock.now
	defer s.Reset(ctx, "acme")

	for i := 0; i < 2; i++ {
		d, err := s.Take(ctx, "acme", 2, 1)
		if err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("take %d should be allowed", i)
		}
	}
	d, err := s.Take(ctx, "acme", 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.RetryAfter != time.Second {
		t.Fatalf("third take = %+v, want denied with 1s retry", d)
	}
	clock.advance(time.Second)
	if d, _ := s.Take(ctx, "acme", 2, 1); !d.Allowed {
		t.Fatal("take after refill should be allowed")
	}
}
