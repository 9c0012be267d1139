package loopback

import (
	"context"
	"strings"
	"testing"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
	"github.com/tokligence/tokligence-chatstream/internal/provider"
)

func collect(t *testing.T, ch <-chan provider.StreamEvent) (string, *chat.TokenCounts) {
	t.Helper()
	var sb strings.Builder
	var usage *chat.TokenCounts
	for ev := range ch {
		if ev.IsError() {
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
		sb.WriteString(ev.Delta)
		if ev.Usage != nil {
			usage = ev.Usage
		}
	}
	return sb.String(), usage
}

func TestStreamEchoesLastUserMessage(t *testing.T) {
	p := New(0)
	req := provider.Request{Messages: []provider.Message{
		{Role: chat.RoleUser, Content: "first"},
		{Role: chat.RoleAssistant, Content: "ignored"},
		{Role: chat.RoleUser, Content: "  hello there world  "},
	}}
	ch, err := p.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, usage := collect(t, ch)
	if text != "[loopback] hello there world" {
		t.Fatalf("text = %q", text)
	}
	if usage == nil || usage.Input != 30 {
		t.Fatalf("usage = %+v", usage)
	}
}

func TestStreamContinuesAfterPrefix(t *testing.T) {
	p := New(0)
	req := provider.Request{
		Messages: []provider.Message{{Role: chat.RoleUser, Content: "one two three"}},
		Prefix:   "[loopback] one ",
	}
	ch, err := p.Stream(context.Background(), req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text, _ := collect(t, ch); text != "two three" {
		t.Fatalf("continuation = %q", text)
	}
}

func TestStreamRejectsEmptyRequest(t *testing.T) {
	if _, err := New(0).Stream(context.Background(), provider.Request{}); err == nil {
		t.Fatalf("expected error without messages")
	}
}

func TestSplitWords(t *testing.T) {
	got := splitWords("a bc d")
	if len(got) != 3 || got[0] != "a " || got[1] != "bc " || got[2] != "d" {
		t.Fatalf("splitWords = %q", got)
	}
}
