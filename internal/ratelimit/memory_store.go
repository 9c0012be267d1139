package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps one token bucket per key in process memory. Use it for a
// single chatstreamd instance; RedisStore shares buckets across instances.
type MemoryStore struct {
	buckets map[string]*TokenBucket
	mu      sync.RWMutex
	now     func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryStore returns a store that drops idle buckets every five minutes.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5 * time.Minute)
}

// NewMemoryStoreWithCleanup returns a store with a custom cleanup interval.
// A non-positive interval disables cleanup.
func NewMemoryStoreWithCleanup(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buckets:         make(map[string]*TokenBucket),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) Take(_ context.Context, key string, capacity, refillRate float64) (Decision, error) {
	allowed, remaining, wait := s.bucket(key, capacity, refillRate).Take()
	return Decision{Allowed: allowed, Limit: capacity, Remaining: remaining, RetryAfter: wait}, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.buckets[key]; ok {
		b.Reset()
	}
	return nil
}

// Close stops background cleanup.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

func (s *MemoryStore) bucket(key string, capacity, refillRate float64) *TokenBucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if b, ok = s.buckets[key]; ok {
		return b
	}
	b = newTokenBucket(capacity, refillRate, s.now)
	s.buckets[key] = b
	return b
}

func (s *MemoryStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup drops buckets that refilled, so tenants that went quiet do not
// pin memory.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.buckets {
		if b.Idle() {
			delete(s.buckets, key)
		}
	}
}
