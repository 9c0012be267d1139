// Package loopback is a deterministic provider that streams the last user turn
// back word by word. It exercises the full pipeline without a model.
package loopback

import (
	"context"
	"strings"
	"time"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/provider"
)

var _ provider.Provider = (*Provider)(nil)

// Provider echoes "[loopback] <last user message>".
type Provider struct {
	delay time.Duration
}

// New returns a loopback provider that waits delay between chunks.
func New(delay time.Duration) *Provider {
	return &Provider{delay: delay}
}

func (p *Provider) Name() string { return "loopback" }

// Reply is the full text the provider produces for req.
func Reply(req provider.Request) string {
	return "[loopback] " + strings.TrimSpace(req.LastUserContent())
}

// Stream emits Reply(req) minus req.Prefix, split after each space.
func (p *Provider) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, chat.Errorf(chat.KindInvalidRequest, "loopback: no messages provided")
	}
	full := Reply(req)
	rest := strings.TrimPrefix(full, req.Prefix)
	if len(req.Prefix) > len(full) || !strings.HasPrefix(full, req.Prefix) {
		rest = ""
	}

	out := make(chan provider.StreamEvent)
	go func() {
		defer close(out)
		for _, piece := range splitWords(rest) {
			if p.delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.delay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- provider.StreamEvent{Delta: piece}:
			}
		}
		usage := &chat.TokenCounts{Input: len(req.Messages) * 10, Output: len(full) / 4}
		select {
		case <-ctx.Done():
		case out <- provider.StreamEvent{Usage: usage}:
		}
	}()
	return out, nil
}

// splitWords keeps the separating space on the preceding piece so the pieces
// concatenate back to s.
func splitWords(s string) []string {
	var out []string
	for len(s) > 0 {
		i := strings.IndexByte(s, ' ')
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i+1])
		s = s[i+1:]
	}
	return out
}
