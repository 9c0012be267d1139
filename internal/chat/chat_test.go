package chat

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusStreaming, true},
		{StatusPending, StatusErrored, true},
		{StatusPending, StatusCompleted, false},
		{StatusStreaming, StatusCompleted, true},
		{StatusStreaming, StatusPartial, true},
		{StatusStreaming, StatusErrored, true},
		{StatusStreaming, StatusPending, false},
		{StatusCompleted, StatusStreaming, false},
		{StatusPartial, StatusCompleted, false},
		{StatusErrored, StatusErrored, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestErrorKindMatching(t *testing.T) {
	err := fmt.Errorf("submit: %w", Errorf(KindTenantQuotaExceeded, "tenant %s at ceiling", "t1"))
	if !errors.Is(err, ErrTenantQuotaExceeded) {
		t.Fatalf("expected errors.Is to match quota sentinel: %v", err)
	}
	if errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("quota error must not match invalid request")
	}
	if got := KindOf(err); got != KindTenantQuotaExceeded {
		t.Fatalf("KindOf = %s", got)
	}
	if got := KindOf(errors.New("boom")); got != KindProviderFailure {
		t.Fatalf("unclassified errors default to provider failure, got %s", got)
	}
	if KindOf(nil) != "" {
		t.Fatalf("nil error has no kind")
	}
	if Wrap(KindInternal, nil) != nil {
		t.Fatalf("Wrap(nil) must stay nil")
	}
}

func TestTerminalEvent(t *testing.T) {
	m := Message{ID: "m1", Status: StatusPartial, Content: "Hel", LastSeq: 2, ErrorKind: KindProviderFailure}
	ev := TerminalEvent(m)
	if ev.Type != EventMessageError || !ev.Partial || ev.Content != "Hel" {
		t.Fatalf("unexpected partial terminal event: %+v", ev)
	}
	if ev.ID != 3 {
		t.Fatalf("terminal id should follow last seq, got %d", ev.ID)
	}

	m = Message{ID: "m2", Status: StatusCompleted, Content: "Hello", LastSeq: 1, Tokens: TokenCounts{Input: 1, Output: 2}}
	ev = TerminalEvent(m)
	if ev.Type != EventMessageCompleted || ev.Tokens == nil || ev.Tokens.Output != 2 {
		t.Fatalf("unexpected completed event: %+v", ev)
	}

	m = Message{ID: "m3", Status: StatusErrored, LastSeq: NoSeq, ErrorKind: KindPolicyBlocked}
	ev = TerminalEvent(m)
	if ev.Partial || ev.Content != "" || ev.ID != 0 {
		t.Fatalf("errored event should carry no content: %+v", ev)
	}
}

func TestIdempotencyRecordExpired(t *testing.T) {
	now := time.Now()
	if (IdempotencyRecord{}).Expired(now) {
		t.Fatalf("zero expiry never expires")
	}
	r := IdempotencyRecord{ExpiresAt: now.Add(-time.Second)}
	if !r.Expired(now) {
		t.Fatalf("expected expired")
	}
}

func TestNewMessageID(t *testing.T) {
	a, b := NewMessageID(), NewMessageID()
	if a == b || !strings.HasPrefix(a, "msg_") {
		t.Fatalf("unexpected ids %q %q", a, b)
	}
}
