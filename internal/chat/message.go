// Package chat holds the data model shared by the streaming core: messages,
// chunks, lifecycle states, idempotency records and delivery events.
package chat

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Status is the lifecycle state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusErrored   Status = "errored"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusPartial || s == StatusErrored
}

// CanTransition reports whether from -> to is a legal lifecycle step:
// pending -> streaming -> {completed | partial | errored}. A pending message
// may also go straight to errored (cancelled or expired before dispatch).
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusStreaming || to == StatusErrored
	case StatusStreaming:
		return to.Terminal()
	}
	return false
}

// TokenCounts are filled at finalize.
type TokenCounts struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Message is one turn of a conversation. Assistant messages produced by a
// generation carry a Request describing what was asked of the provider.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Tenant         string      `json:"tenant"`
	Role           Role        `json:"role"`
	Status         Status      `json:"status"`
	Content        string      `json:"content,omitempty"`
	Prompt         string      `json:"prompt,omitempty"`
	Model          string      `json:"model,omitempty"`
	Class          string      `json:"class,omitempty"`
	Tokens         TokenCounts `json:"tokens"`
	ErrorKind      ErrorKind   `json:"error_kind,omitempty"`
	LastSeq        int64       `json:"last_seq"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// NoSeq is the cursor value meaning "nothing delivered yet".
const NoSeq int64 = -1

// NewMessageID returns a lexically sortable message identifier.
func NewMessageID() string {
	return "msg_" + strings.ToLower(ulid.Make().String())
}

// Chunk is one ordered increment of generated content.
type Chunk struct {
	Seq       int64     `json:"seq"`
	Delta     string    `json:"delta"`
	Timestamp time.Time `json:"ts"`
}

// IdempotencyRecord maps (tenant, key) to the message created for it.
type IdempotencyRecord struct {
	Tenant    string    `json:"tenant"`
	Key       string    `json:"key"`
	MessageID string    `json:"message_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Outcome is what a generation worker reports when it stops.
type Outcome struct {
	Status    Status       `json:"status"` // completed or errored
	ErrorKind ErrorKind    `json:"error_kind,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Usage     *TokenCounts `json:"usage,omitempty"`
}

// Completed is the successful outcome.
func Completed(usage *TokenCounts) Outcome {
	return Outcome{Status: StatusCompleted, Usage: usage}
}

// Failed builds an errored outcome from err.
func Failed(err error) Outcome {
	o := Outcome{Status: StatusErrored, ErrorKind: KindOf(err)}
	if err != nil {
		o.Reason = err.Error()
	}
	return o
}
