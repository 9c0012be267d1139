package provider

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/tokligence/tokligence-chatstream/internal/chat"
)

var (
	transientMarkers = []string{
		"timeout", "connection refused", "connection reset", "broken pipe",
		"no such host", "temporary failure", "unexpected eof", "stream ended",
	}
	saturationMarkers = []string{
		"rate limit", "429", "too many requests", "overloaded",
		"503", "service unavailable", "capacity",
	}
	serverMarkers = []string{
		"500", "502", "504", "internal server error", "bad gateway", "gateway timeout",
	}
	clientMarkers = []string{
		"400", "401", "403", "404", "invalid api key", "unauthorized", "forbidden", "bad request",
	}
)

// IsTimeout reports whether err is a provider or transport timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, chat.ErrProviderTimeout) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return containsAny(err.Error(), "timeout", "deadline exceeded")
}

// IsSaturated reports whether err means the provider is out of capacity and a
// fallback provider is worth trying.
func IsSaturated(err error) bool {
	return err != nil && containsAny(err.Error(), saturationMarkers...)
}

// IsRetryable reports whether a failed attempt may be retried: timeouts,
// transport failures, saturation and 5xx responses. Client errors, policy
// vetoes and caller cancellation are final.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch chat.KindOf(err) {
	case chat.KindPolicyBlocked, chat.KindInvalidRequest, chat.KindCancelled:
		return false
	}
	if IsTimeout(err) {
		return true
	}
	msg := err.Error()
	if containsAny(msg, clientMarkers...) && !containsAny(msg, saturationMarkers...) {
		return false
	}
	return containsAny(msg, transientMarkers...) ||
		containsAny(msg, saturationMarkers...) ||
		containsAny(msg, serverMarkers...)
}

// Classify maps a provider failure onto the error taxonomy.
func Classify(err error) chat.ErrorKind {
	if err == nil {
		return ""
	}
	var ce *chat.Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if IsTimeout(err) {
		return chat.KindProviderTimeout
	}
	return chat.KindProviderFailure
}

func containsAny(s string, subs ...string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
