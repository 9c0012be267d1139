// Package httpserver exposes the streaming coordinator over HTTP: intake,
// message state, SSE and WebSocket subscriptions, cancel, tool events, admin
// and health.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/coordinator"
	"github.com/tokligence/tokligence-chatstream/internal/health"
	"github.com/tokligence/tokligence-chatstream/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-chatstream/internal/logging"
	"github.com/tokligence/tokligence-chatstream/internal/metrics"
	"github.com/tokligence/tokligence-chatstream/internal/ratelimit"
)

// Endpoint group keys.
const (
	EndpointMessages = "messages"
	EndpointStreams  = "streams"
	EndpointAdmin    = "admin"
	EndpointHealth   = "health"
	EndpointMetrics  = "metrics"
)

// DefaultEndpoints mounts every group.
var DefaultEndpoints = []string{EndpointMessages, EndpointStreams, EndpointAdmin, EndpointHealth, EndpointMetrics}

// Options configures a Server.
type Options struct {
	Coordinator *coordinator.Coordinator
	Health      *health.Checker
	Metrics     *metrics.Metrics
	Logger      *logging.Logger

	// Limiter throttles intake per tenant when RateLimitEnabled is set.
	Limiter          *ratelimit.Limiter
	RateLimitEnabled bool

	WebSocketWriteTimeout time.Duration
	// Endpoints selects the mounted groups; empty means DefaultEndpoints.
	Endpoints []string
}

// Server holds the HTTP handlers.
type Server struct {
	coord     *coordinator.Coordinator
	health    *health.Checker
	metrics   *metrics.Metrics
	log       *logging.Logger
	limit     *ratelimit.Middleware
	wsTimeout time.Duration
	endpoints []string
}

// New validates opts and builds a Server.
func New(opts Options) (*Server, error) {
	if opts.Coordinator == nil {
		return nil, errors.New("httpserver: coordinator is required")
	}
	s := &Server{
		coord:     opts.Coordinator,
		health:    opts.Health,
		metrics:   opts.Metrics,
		log:       logging.OrNop(opts.Logger).With("component", "httpserver"),
		wsTimeout: opts.WebSocketWriteTimeout,
		endpoints: normalizeEndpointKeys(opts.Endpoints, DefaultEndpoints),
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	s.limit = ratelimit.NewMiddleware(opts.Limiter, opts.RateLimitEnabled, s.rejectRateLimited, opts.Logger)
	return s, nil
}

// Router returns the chi router serving every configured endpoint group.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	s.registerEndpointKeys(r, s.endpoints...)
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		s.log.Debug("Server.registerEndpoints: registering endpoint", "endpoint", ep.Name())
		for _, route := range ep.Routes() {
			r.Method(route.Method, route.Path, route.Handler)
		}
	}
}

func (s *Server) registerEndpointKeys(r chi.Router, keys ...string) int {
	var endpoints []protocol.Endpoint
	for _, key := range keys {
		if ep := s.endpointByKey(key); ep != nil {
			endpoints = append(endpoints, ep)
		} else {
			s.log.Warn("Server.registerEndpointKeys: unknown endpoint, skipping registration", "endpoint", key)
		}
	}
	s.registerEndpoints(r, endpoints...)
	return len(endpoints)
}

func (s *Server) endpointByKey(key string) protocol.Endpoint {
	switch key {
	case EndpointMessages:
		return newMessagesEndpoint(s)
	case EndpointStreams, "events":
		return newStreamsEndpoint(s)
	case EndpointAdmin:
		return newAdminEndpoint(s)
	case EndpointHealth, "status":
		return newHealthEndpoint(s)
	case EndpointMetrics:
		return newMetricsEndpoint(s)
	default:
		return nil
	}
}

func normalizeEndpointKeys(list []string, defaults []string) []string {
	if len(list) == 0 {
		list = defaults
	}
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, key := range list {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// observe records request metrics by route pattern and logs every request.
// Streaming routes are counted but kept out of the latency histogram.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			// Hijacked by the WebSocket upgrade.
			status = http.StatusSwitchingProtocols
		}
		elapsed := time.Since(start)
		code := strconv.Itoa(status)
		if streamingRoute(route) {
			s.metrics.HTTPRequests.WithLabelValues(r.Method, route, code).Inc()
		} else {
			s.metrics.ObserveHTTP(r.Method, route, code, elapsed)
		}
		s.log.Debug("Server.observe: request", "method", r.Method, "route", route, "status", status,
			"duration", elapsed, "request_id", middleware.GetReqID(r.Context()))
	})
}

func streamingRoute(route string) bool {
	return strings.HasSuffix(route, "/events") || strings.HasSuffix(route, "/ws")
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind      chat.ErrorKind `json:"kind"`
	Message   string         `json:"message"`
	MessageID string         `json:"message_id,omitempty"`
}

// respondError writes the JSON error body with the status derived from the
// error kind.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	s.respondErrorFor(w, "", err)
}

func (s *Server) respondErrorFor(w http.ResponseWriter, messageID string, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	kind := kindOf(err)
	status := statusFor(kind)
	if kind == chat.KindTenantQuotaExceeded && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("Server.respondError: request failed", "kind", kind, "message_id", messageID, "error", err)
	}
	s.respondJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: err.Error(), MessageID: messageID}})
}

// kindOf classifies err for HTTP. Unclassified errors are internal here, not
// provider failures.
func kindOf(err error) chat.ErrorKind {
	var ce *chat.Error
	switch {
	case errors.As(err, &ce):
		return ce.Kind
	case errors.Is(err, context.Canceled):
		return chat.KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return chat.KindProviderTimeout
	}
	return chat.KindInternal
}

func statusFor(kind chat.ErrorKind) int {
	switch kind {
	case chat.KindInvalidRequest:
		return http.StatusBadRequest
	case chat.KindTenantQuotaExceeded:
		return http.StatusTooManyRequests
	case chat.KindPolicyBlocked:
		return http.StatusUnprocessableEntity
	case chat.KindNotFound:
		return http.StatusNotFound
	case chat.KindShutdownAborted:
		return http.StatusServiceUnavailable
	case chat.KindProviderTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) rejectRateLimited(w http.ResponseWriter, _ *http.Request, tenant string, d ratelimit.Decision) {
	s.metrics.RateLimitHits.WithLabelValues(tenant).Inc()
	s.respondError(w, chat.Errorf(chat.KindTenantQuotaExceeded,
		"tenant %s exceeded %s intakes per second", tenant, strconv.FormatFloat(d.Limit, 'f', -1, 64)))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	body := http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return chat.Errorf(chat.KindInvalidRequest, "request body exceeds %d bytes", limit)
		}
		return chat.Errorf(chat.KindInvalidRequest, "invalid JSON body: %v", err)
	}
	return nil
}

func requireParam(r *http.Request, name string) (string, error) {
	v := strings.TrimSpace(chi.URLParam(r, name))
	if v == "" {
		return "", chat.Errorf(chat.KindInvalidRequest, "%s is required", name)
	}
	return v, nil
}
