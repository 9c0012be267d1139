// Package persistence is the long-term home of finalized messages. The
// coordinator writes each message once when it reaches a terminal status and
// reads it back when the session store no longer holds it.
package persistence

import (
	"context"
	"errors"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
)

// ErrNotFound is returned when no finalized message exists for an id.
var ErrNotFound = errors.New("persistence: message not found")

// Store persists finalized messages.
type Store interface {
	// SaveFinalMessage writes a terminal message. Saving the same id again is a
	// no-op, so a retried finalize never overwrites the first result.
	SaveFinalMessage(ctx context.Context, m chat.Message) error
	LoadMessage(ctx context.Context, id string) (chat.Message, error)
	// LoadMessages returns the messages found among ids, in no particular order.
	LoadMessages(ctx context.Context, ids []string) ([]chat.Message, error)
	// ListConversation returns the latest limit messages of a conversation, oldest first.
	ListConversation(ctx context.Context, conversationID string, limit int) ([]chat.Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// Nop discards writes and finds nothing. It backs persistence_driver=none.
type Nop struct{}

var _ Store = Nop{}

func (Nop) SaveFinalMessage(context.Context, chat.Message) error { return nil }
func (Nop) LoadMessage(context.Context, string) (chat.Message, error) {
	return chat.Message{}, ErrNotFound
}
func (Nop) LoadMessages(context.Context, []string) ([]chat.Message, error) { return nil, nil }
func (Nop) ListConversation(context.Context, string, int) ([]chat.Message, error) {
	return nil, nil
}
func (Nop) Ping(context.Context) error { return nil }
func (Nop) Close() error               { return nil }

// Validate rejects messages that must not be persisted.
func Validate(m chat.Message) error {
	if m.ID == "" {
		return errors.New("persistence: message id required")
	}
	if !m.Status.Terminal() {
		return errors.New("persistence: only terminal messages are persisted")
	}
	return nil
}

// Columns is the shared column list of the messages table.
const Columns = `id, conversation_id, tenant, role, status, content, prompt, model, class,
	input_tokens, output_tokens, error_kind, last_seq, created_at, finalized_at`

// Scanner is implemented by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanMessage reads one row selected with Columns.
func ScanMessage(s Scanner) (chat.Message, error) {
	var m chat.Message
	var role, status, kind string
	err := s.Scan(&m.ID, &m.ConversationID, &m.Tenant, &role, &status, &m.Content, &m.Prompt, &m.Model, &m.Class,
		&m.Tokens.Input, &m.Tokens.Output, &kind, &m.LastSeq, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return chat.Message{}, err
	}
	m.Role = chat.Role(role)
	m.Status = chat.Status(status)
	m.ErrorKind = chat.ErrorKind(kind)
	return m, nil
}

// Args returns the insert arguments in Columns order.
func Args(m chat.Message) []any {
	return []any{m.ID, m.ConversationID, m.Tenant, string(m.Role), string(m.Status), m.Content, m.Prompt, m.Model, m.Class,
		m.Tokens.Input, m.Tokens.Output, string(m.ErrorKind), m.LastSeq, m.CreatedAt.UTC(), m.UpdatedAt.UTC()}
}
