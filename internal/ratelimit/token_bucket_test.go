package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_Take(t *testing.T) {
	clock := newFakeClock()
	tb := newTokenBucket(10, 5, clock.now)

	for i := 0; i < 10; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d should be allowed (burst)", i)
		}
	}
	ok, remaining, wait := tb.Take()
	if ok {
		t.Fatal("11th request should be denied")
	}
	if remaining != 0 {
		t.Errorf("remaining = %v, want 0", remaining)
	}
	if wait != 200*time.Millisecond {
		t.Errorf("wait = %v, want 200ms", wait)
	}

	clock.advance(time.Second)
	for i := 0; i < 5; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d after refill should be allowed", i)
		}
	}
	if tb.Allow() {
		t.Error("request after 5 refills should be denied")
	}
}

func TestTokenBucket_RefillCapsAtCapacity(t *testing.T) {
	clock := newFakeClock()
	tb := newTokenBucket(3, 100, clock.now)
	tb.Allow()
	clock.advance(time.Hour)
	if got := tb.Remaining(); got != 3 {
		t.Fatalf("remaining = %v, want 3", got)
	}
	if !tb.Idle() {
		t.Fatal("full bucket should be idle")
	}
}

func TestTokenBucket_Reset(t *testing.T) {
	clock := newFakeClock()
	tb := newTokenBucket(2, 1, clock.now)
	tb.Allow()
	tb.Allow()
	if tb.Allow() {
		t.Fatal("bucket should be empty")
	}
	tb.Reset()
	if got := tb.Remaining(); got != 2 {
		t.Fatalf("remaining after reset = %v, want 2", got)
	}
}

func TestTokenBucket_ZeroRateNeverRefills(t *testing.T) {
	clock := newFakeClock()
	tb := newTokenBucket(1, 0, clock.now)
	tb.Allow()
	clock.advance(time.Hour)
	ok, _, wait := tb.Take()
	if ok {
		t.Fatal("zero-rate bucket refilled")
	}
	if wait <= 0 {
		t.Fatalf("wait = %v, want positive", wait)
	}
}

func TestTokenBucket_Concurrent(t *testing.T) {
	tb := newTokenBucket(100, 0, newFakeClock().now)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if tb.Allow() {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if allowed != 100 {
		t.Fatalf("allowed = %d, want 100", allowed)
	}
}
