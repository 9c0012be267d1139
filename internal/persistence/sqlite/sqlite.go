// Package sqlite implements persistence.Store on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/persistence"
)

var _ persistence.Store = (*Store)(nil)

// Store implements persistence.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create persistence directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent finalizes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	tenant TEXT NOT NULL,
	role TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('completed','partial','errored')),
	content TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	class TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	error_kind TEXT NOT NULL DEFAULT '',
	last_seq INTEGER NOT NULL DEFAULT -1,
	created_at TIMESTAMP NOT NULL,
	finalized_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_tenant_created ON messages(tenant, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveFinalMessage inserts m once; later saves of the same id are ignored.
func (s *Store) SaveFinalMessage(ctx context.Context, m chat.Message) error {
	if err := persistence.Validate(m); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO messages(`+persistence.Columns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`, persistence.Args(m)...)
	if err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	return nil
}

// LoadMessage returns a persisted message.
func (s *Store) LoadMessage(ctx context.Context, id string) (chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+persistence.Columns+` FROM messages WHERE id = ?`, id)
	m, err := persistence.ScanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, persistence.ErrNotFound
	}
	return m, err
}

// LoadMessages returns every persisted message among ids.
func (s *Store) LoadMessages(ctx context.Context, ids []string) ([]chat.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+persistence.Columns+` FROM messages WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// ListConversation returns the latest limit messages of a conversation,
// oldest first.
func (s *Store) ListConversation(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+persistence.Columns+` FROM (
	SELECT `+persistence.Columns+`
	FROM messages
	WHERE conversation_id = ?
	ORDER BY created_at DESC, id DESC
	LIMIT ?
) AS recent
ORDER BY created_at ASC, id ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]chat.Message, error) {
	defer rows.Close()
	var out []chat.Message
	for rows.Next() {
		m, err := persistence.ScanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
