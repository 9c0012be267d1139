// Package sessionstore defines the short-lived durable state of streaming
// messages: message records, their chunk logs, the last acknowledged sequence
// and idempotency records. Implementations live in subpackages.
package sessionstore

import (
	"context"
	"errors"
	"time"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
)

var (
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("sessionstore: not found")
	// ErrConflict is returned when a compare-and-set precondition fails.
	ErrConflict = errors.New("sessionstore: conflict")
	// ErrTerminal is returned when mutating a message that already reached a terminal status.
	ErrTerminal = errors.New("sessionstore: message is terminal")
)

// Final is the terminal state written atomically by Finalize.
type Final struct {
	Status    chat.Status
	Content   string
	Tokens    chat.TokenCounts
	ErrorKind chat.ErrorKind
	LastSeq   int64
}

// Store is the contract the coordinator needs from session storage.
type Store interface {
	// CreateMessage inserts m. ErrConflict if the id already exists.
	CreateMessage(ctx context.Context, m chat.Message) error
	GetMessage(ctx context.Context, id string) (chat.Message, error)
	// Transition moves a message from one non-terminal status to another.
	// ErrConflict if the current status is not from; ErrTerminal if it is terminal.
	Transition(ctx context.Context, id string, from, to chat.Status) (chat.Message, error)

	// AppendChunk stores c unless its seq is already present. It reports whether it applied.
	AppendChunk(ctx context.Context, id string, c chat.Chunk) (bool, error)
	// Chunks returns stored chunks with seq > after in ascending order.
	Chunks(ctx context.Context, id string, after int64) ([]chat.Chunk, error)
	// Ack records seq as the last acknowledged sequence and refreshes the
	// message's UpdatedAt, which doubles as the worker liveness lease.
	Ack(ctx context.Context, id string, seq int64) error
	// Finalize atomically writes the terminal status and content. ErrTerminal
	// if the message is already terminal.
	Finalize(ctx context.Context, id string, f Final) (chat.Message, error)
	// TruncateChunks drops the chunk log after retention (immediately when <= 0).
	TruncateChunks(ctx context.Context, id string, retention time.Duration) error

	// ClaimIdempotency records rec unless an unexpired record for the same
	// (tenant, key) exists, in which case that record is returned with claimed=false.
	ClaimIdempotency(ctx context.Context, rec chat.IdempotencyRecord) (existing chat.IdempotencyRecord, claimed bool, err error)
	ReleaseIdempotency(ctx context.Context, tenant, key string) error

	// ListActive returns every message in pending or streaming status.
	ListActive(ctx context.Context) ([]chat.Message, error)

	Ping(ctx context.Context) error
	Close() error
}

// Apply validates f against m and returns the finalized message. Shared by
// implementations so terminal semantics stay identical.
func Apply(m chat.Message, f Final, now time.Time) (chat.Message, error) {
	if m.Status.Terminal() {
		return m, ErrTerminal
	}
	if !f.Status.Terminal() {
		return m, ErrConflict
	}
	m.Status = f.Status
	m.Content = f.Content
	m.Tokens = f.Tokens
	m.ErrorKind = f.ErrorKind
	if f.LastSeq > m.LastSeq {
		m.LastSeq = f.LastSeq
	}
	m.UpdatedAt = now
	return m, nil
}

// Step validates a status transition and returns the updated message.
func Step(m chat.Message, from, to chat.Status, now time.Time) (chat.Message, error) {
	if m.Status.Terminal() {
		return m, ErrTerminal
	}
	if m.Status != from || !chat.CanTransition(from, to) {
		return m, ErrConflict
	}
	m.Status = to
	m.UpdatedAt = now
	return m, nil
}
