package httpserver

import (
	"net/http"

	"github.com/tokligence/tokligence-chatstream/internal/admission"
	"github.com/tokligence/tokligence-chatstream/internal/httpserver/protocol"
)

type adminEndpoint struct {
	server *Server
}

func newAdminEndpoint(server *Server) protocol.Endpoint {
	return &adminEndpoint{server: server}
}

func (e *adminEndpoint) Name() string { return "admin" }

func (e *adminEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/admin/admission", Handler: http.HandlerFunc(e.server.HandleAdmissionStats)},
	}
}

type admissionStats struct {
	ActiveSessions int                    `json:"active_sessions"`
	Classes        []admission.ClassStats `json:"classes"`
}

// HandleAdmissionStats reports per-class queue depth, in-flight generations
// and rejection counters.
func (s *Server) HandleAdmissionStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, admissionStats{
		ActiveSessions: s.coord.ActiveSessions(),
		Classes:        s.coord.AdmissionStats(),
	})
}
