package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), true},
		{"cancelled", context.Canceled, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"rate limit", errors.New("openai: http 429: rate limit reached"), true},
		{"server error", errors.New("openai: http 502: bad gateway"), true},
		{"unauthorized", errors.New("openai: http 401: invalid api key"), false},
		{"policy", chat.Errorf(chat.KindPolicyBlocked, "blocked"), false},
		{"unknown", errors.New("something odd"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	if got := Classify(context.DeadlineExceeded); got != chat.KindProviderTimeout {
		t.Fatalf("deadline -> %s", got)
	}
	if got := Classify(errors.New("http 500")); got != chat.KindProviderFailure {
		t.Fatalf("500 -> %s", got)
	}
	if got := Classify(chat.Errorf(chat.KindPolicyBlocked, "x")); got != chat.KindPolicyBlocked {
		t.Fatalf("kinded error should keep its kind, got %s", got)
	}
}

func TestIsSaturated(t *testing.T) {
	if !IsSaturated(errors.New("anthropic: overloaded_error")) {
		t.Fatalf("overloaded should count as saturation")
	}
	if IsSaturated(errors.New("connection reset")) {
		t.Fatalf("transport failure is not saturation")
	}
}

func TestLastUserContent(t *testing.T) {
	req := Request{Messages: []Message{
		{Role: chat.RoleSystem, Content: "be brief"},
		{Role: chat.RoleUser, Content: "hi"},
		{Role: chat.RoleAssistant, Content: "hello"},
	}}
	if got := req.LastUserContent(); got != "hi" {
		t.Fatalf("got %q", got)
	}
}
