package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a thread-safe token bucket. It refills at a constant rate
// and allows bursts up to its capacity.
type TokenBucket struct {
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket returns a full bucket. capacity is the burst size and
// refillRate the sustained rate per second.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: now(),
		now:        now,
	}
}

// Take consumes one token. When the bucket is empty it reports how long the
// caller has to wait for the next one.
func (tb *TokenBucket) Take() (allowed bool, remaining float64, wait time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true, tb.tokens, 0
	}
	return false, tb.tokens, tb.waitLocked()
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	ok, _, _ := tb.Take()
	return ok
}

// Remaining returns the tokens currently available.
func (tb *TokenBucket) Remaining() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// Idle reports whether the bucket refilled to (almost) full, meaning its
// owner has not been seen for a while.
func (tb *TokenBucket) Idle() bool {
	return tb.Remaining() >= tb.capacity*0.95
}

// Reset refills the bucket to capacity.
func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens = tb.capacity
	tb.lastRefill = tb.now()
}

// Must be called with lock held.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

func (tb *TokenBucket) waitLocked() time.Duration {
	if tb.refillRate <= 0 {
		return time.Hour
	}
	return time.Duration((1 - tb.tokens) / tb.refillRate * float64(time.Second))
}
