package httpserver

import (
	"net/http"
	"time"

	"github.com/tokligence/tokligence-chatstream/internal/health"
	"github.com/tokligence/tokligence-chatstream/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-chatstream/internal/version"
)

type healthEndpoint struct {
	server *Server
}

func newHealthEndpoint(server *Server) protocol.Endpoint {
	return &healthEndpoint{server: server}
}

func (e *healthEndpoint) Name() string { return "health" }

func (e *healthEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.server.HandleHealth)},
	}
}

// HandleHealth pings the session store and persistence. It answers 503 only
// when a critical dependency is down.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := health.HealthStatus{Status: health.StatusHealthy, Timestamp: time.Now()}
	if s.health != nil {
		status = s.health.Check(r.Context())
	}
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]any{
		"status":          status.Status,
		"time":            status.Timestamp.UTC().Format(time.RFC3339),
		"version":         version.Info(),
		"active_sessions": s.coord.ActiveSessions(),
		"components":      status.Components,
	})
}

type metricsEndpoint struct {
	server *Server
}

func newMetricsEndpoint(server *Server) protocol.Endpoint {
	return &metricsEndpoint{server: server}
}

func (e *metricsEndpoint) Name() string { return "metrics" }

func (e *metricsEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/metrics", Handler: e.server.metrics.Handler()},
	}
}
