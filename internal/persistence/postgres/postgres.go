// Package postgres implements persistence.Store on PostgreSQL through the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/persistence"
)

var _ persistence.Store = (*Store)(nil)

// Store implements persistence.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed store using the provided DSN and connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
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
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	error_kind TEXT NOT NULL DEFAULT '',
	last_seq BIGINT NOT NULL DEFAULT -1,
	created_at TIMESTAMPTZ NOT NULL,
	finalized_at TIMESTAMPTZ NOT NULL
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

// Ping checks connectivity.
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
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO NOTHING`, persistence.Args(m)...)
	if err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	return nil
}

// LoadMessage returns a persisted message.
func (s *Store) LoadMessage(ctx context.Context, id string) (chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+persistence.Columns+` FROM messages WHERE id = $1`, id)
	m, err := persistence.ScanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, persistence.ErrNotFound
	}
	return m, err
}

// LoadMessages returns every persisted message among ids in one round trip.
func (s *Store) LoadMessages(ctx context.Context, ids []string) ([]chat.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+persistence.Columns+` FROM messages WHERE id = ANY($1)`, pq.Array(ids))
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
	WHERE conversation_id = $1
	ORDER BY created_at DESC, id DESC
	LIMIT $2
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
