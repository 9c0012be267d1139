// Package ratelimit throttles message intake per tenant with token buckets
// kept in memory or in Redis.
package ratelimit

import (
	"context"
	"time"

	"github.com/tokligence/tokligence-chatstream/internal/logging"
)

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Limit      float64
	Remaining  float64
	RetryAfter time.Duration
}

// Store holds bucket state. MemoryStore serves a single instance, RedisStore
// a cluster.
type Store interface {
	// Take consumes one token from the bucket named key.
	Take(ctx context.Context, key string, capacity, refillRate float64) (Decision, error)
	// Reset refills the bucket named key.
	Reset(ctx context.Context, key string) error
	Close() error
}

// Rate is a sustained rate with a burst allowance.
type Rate struct {
	RequestsPerSecond float64
	Burst             float64
}

// Config configures a Limiter.
type Config struct {
	// Store defaults to a MemoryStore.
	Store Store
	// Default applies to every tenant without an override.
	Default Rate
	// Tenants overrides Default per tenant id.
	Tenants map[string]Rate
}

// DefaultConfig allows 10 intakes per second per tenant with bursts of 20.
func DefaultConfig() Config {
	return Config{Default: Rate{RequestsPerSecond: 10, Burst: 20}}
}

// Limiter decides per tenant whether another message may be submitted.
type Limiter struct {
	store   Store
	def     Rate
	tenants map[string]Rate
	log     *logging.Logger
}

// NewLimiter fills unset rates from DefaultConfig.
func NewLimiter(cfg Config, log *logging.Logger) *Limiter {
	def := DefaultConfig().Default
	if cfg.Default.RequestsPerSecond <= 0 {
		cfg.Default.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Default.Burst <= 0 {
		cfg.Default.Burst = max(def.Burst, cfg.Default.RequestsPerSecond)
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{
		store:   store,
		def:     cfg.Default,
		tenants: cfg.Tenants,
		log:     logging.OrNop(log).With("component", "ratelimit"),
	}
}

// RateFor returns the rate that applies to tenant.
func (l *Limiter) RateFor(tenant string) Rate {
	if r, ok := l.tenants[tenant]; ok && r.RequestsPerSecond > 0 {
		if r.Burst <= 0 {
			r.Burst = r.RequestsPerSecond
		}
		return r
	}
	return l.def
}

// Allow consumes one token for tenant. An empty tenant is never limited. A
// store failure lets the request through.
func (l *Limiter) Allow(ctx context.Context, tenant string) Decision {
	r := l.RateFor(tenant)
	if tenant == "" {
		return Decision{Allowed: true, Limit: r.Burst, Remaining: r.Burst}
	}
	d, err := l.store.Take(ctx, "tenant:"+tenant, r.Burst, r.RequestsPerSecond)
	if err != nil {
		l.log.Warn("Limiter.Allow: store failed, allowing request", "tenant", tenant, "error", err)
		return Decision{Allowed: true, Limit: r.Burst, Remaining: r.Burst}
	}
	return d
}

// Reset refills the bucket of tenant.
func (l *Limiter) Reset(ctx context.Context, tenant string) error {
	return l.store.Reset(ctx, "tenant:"+tenant)
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
