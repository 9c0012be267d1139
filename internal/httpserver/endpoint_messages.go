package httpserver

import (
	"net/http"
	"strings"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/coordinator"
	"github.com/tokligence/tokligence-chatstream/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-chatstream/internal/ratelimit"
)

// IdempotencyHeader carries the client's idempotency key on intake.
const IdempotencyHeader = "Idempotency-Key"

const (
	intakeBodyLimit = 2*coordinator.MaxContentBytes + 4<<10
	toolBodyLimit   = 64 << 10
)

type messagesEndpoint struct {
	server *Server
}

func newMessagesEndpoint(server *Server) protocol.Endpoint {
	return &messagesEndpoint{server: server}
}

func (e *messagesEndpoint) Name() string { return "messages" }

func (e *messagesEndpoint) Routes() []protocol.EndpointRoute {
	s := e.server
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/v1/conversations/{conversationID}/messages", Handler: s.limit.Wrap(http.HandlerFunc(s.HandleIntake))},
		{Method: http.MethodGet, Path: "/v1/messages/{messageID}", Handler: http.HandlerFunc(s.HandleGetMessage)},
		{Method: http.MethodPost, Path: "/v1/messages/{messageID}/cancel", Handler: http.HandlerFunc(s.HandleCancel)},
		{Method: http.MethodPost, Path: "/v1/messages/{messageID}/tool-events", Handler: http.HandlerFunc(s.HandleToolEvent)},
	}
}

type intakeBody struct {
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	Role      chat.Role `json:"role,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// HandleIntake accepts a user turn: 202 for a new message, 200 when the
// idempotency key matched an earlier one.
func (s *Server) HandleIntake(w http.ResponseWriter, r *http.Request) {
	conversationID, err := requireParam(r, "conversationID")
	if err != nil {
		s.respondError(w, err)
		return
	}
	var body intakeBody
	if err := decodeJSON(w, r, intakeBodyLimit, &body); err != nil {
		s.respondError(w, err)
		return
	}
	res, err := s.coord.Intake(r.Context(), coordinator.IntakeRequest{
		Tenant:         strings.TrimSpace(r.Header.Get(ratelimit.TenantHeader)),
		ConversationID: conversationID,
		Content:        body.Content,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
		Model:          body.Model,
		Role:           body.Role,
		MaxTokens:      body.MaxTokens,
	})
	if err != nil {
		s.respondErrorFor(w, res.MessageID, err)
		return
	}
	w.Header().Set("Location", "/v1/messages/"+res.MessageID)
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	s.respondJSON(w, status, res)
}

// HandleGetMessage returns the current state of a message.
func (s *Server) HandleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := requireParam(r, "messageID")
	if err != nil {
		s.respondError(w, err)
		return
	}
	m, err := s.coord.GetMessage(r.Context(), id)
	if err != nil {
		s.respondErrorFor(w, id, err)
		return
	}
	s.respondJSON(w, http.StatusOK, m)
}

// HandleCancel stops a generation and returns the final message.
func (s *Server) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := requireParam(r, "messageID")
	if err != nil {
		s.respondError(w, err)
		return
	}
	m, err := s.coord.Cancel(r.Context(), id)
	if err != nil {
		s.respondErrorFor(w, id, err)
		return
	}
	s.respondJSON(w, http.StatusOK, m)
}

type toolEventBody struct {
	Type chat.EventType `json:"type"`
	Tool *chat.ToolCall `json:"tool"`
}

// HandleToolEvent fans a tool call event out to the live subscribers.
func (s *Server) HandleToolEvent(w http.ResponseWriter, r *http.Request) {
	id, err := requireParam(r, "messageID")
	if err != nil {
		s.respondError(w, err)
		return
	}
	var body toolEventBody
	if err := decodeJSON(w, r, toolBodyLimit, &body); err != nil {
		s.respondError(w, err)
		return
	}
	ev, err := s.coord.EmitToolEvent(r.Context(), id, chat.Event{Type: body.Type, Tool: body.Tool})
	if err != nil {
		s.respondErrorFor(w, id, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, ev)
}
