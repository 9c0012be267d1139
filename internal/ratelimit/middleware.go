package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/tokligence/tokligence-chatstream/internal/logging"
)

// TenantHeader carries the tenant id of a request.
const TenantHeader = "X-Tenant-ID"

// RejectFunc writes the response for a limited request.
type RejectFunc func(w http.ResponseWriter, r *http.Request, tenant string, d Decision)

// Middleware applies a Limiter to an HTTP handler.
type Middleware struct {
	limiter *Limiter
	enabled bool
	reject  RejectFunc
	log     *logging.Logger
}

// NewMiddleware builds a middleware. A nil reject answers with a plain 429.
func NewMiddleware(limiter *Limiter, enabled bool, reject RejectFunc, log *logging.Logger) *Middleware {
	if reject == nil {
		reject = func(w http.ResponseWriter, _ *http.Request, _ string, _ Decision) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		}
	}
	return &Middleware{
		limiter: limiter,
		enabled: enabled && limiter != nil,
		reject:  reject,
		log:     logging.OrNop(log).With("component", "ratelimit"),
	}
}

// Wrap limits next by the X-Tenant-ID header.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		d := m.limiter.Allow(r.Context(), tenant)
		if tenant != "" {
			setHeaders(w, d)
		}
		if !d.Allowed {
			m.log.Info("Middleware.Wrap: rate limit exceeded", "tenant", tenant, "path", r.URL.Path, "retry_after", d.RetryAfter)
			w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds(d.RetryAfter)))
			m.reject(w, r, tenant, d)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RetryAfterSeconds rounds d up to whole seconds, at least one.
func RetryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

// See: https://datatracker.ietf.org/doc/html/draft-polli-ratelimit-headers
func setHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(d.Limit, 'f', 0, 64))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatFloat(math.Floor(d.Remaining), 'f', 0, 64))
}
