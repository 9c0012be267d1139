// Package provider defines the streaming model-provider contract used by the
// generation worker, plus the injected routing strategies around it.
package provider

import (
	"context"
	"errors"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
)

// Message is one prompt turn sent to a provider.
type Message struct {
	Role    chat.Role `json:"role"`
	Content string    `json:"content"`
}

// Request asks a provider for one streamed completion.
type Request struct {
	MessageID string
	Tenant    string
	Model     string
	Messages  []Message
	// Prefix is content already produced by an earlier attempt. Providers
	// continue after it and never repeat it.
	Prefix    string
	MaxTokens int
}

// LastUserContent returns the most recent user turn, or the last turn when no
// user turn exists.
func (r Request) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == chat.RoleUser {
			return r.Messages[i].Content
		}
	}
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

// StreamEvent is one item on a provider stream. A stream ends when the channel
// closes; an event with Err set is always the last one.
type StreamEvent struct {
	Delta string
	Usage *chat.TokenCounts
	Err   error
}

// IsError reports whether the event carries a failure.
func (e StreamEvent) IsError() bool { return e.Err != nil }

// Provider streams a completion. The returned channel must be closed when the
// stream ends or ctx is cancelled.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Strategy picks the provider for each attempt. attempt starts at 0; lastErr is
// the failure of the previous attempt.
type Strategy interface {
	Select(ctx context.Context, req Request, attempt int, lastErr error) (Provider, error)
}

// ClassPolicy maps a request to a worker class at admission.
type ClassPolicy interface {
	SelectWorkerClass(req Request) string
}

type static struct{ p Provider }

// Static always selects p.
func Static(p Provider) Strategy { return static{p} }

func (s static) Select(context.Context, Request, int, error) (Provider, error) {
	if s.p == nil {
		return nil, errors.New("provider: no provider configured")
	}
	return s.p, nil
}

// FixedClass assigns every request the same class.
type FixedClass string

func (c FixedClass) SelectWorkerClass(Request) string { return string(c) }
