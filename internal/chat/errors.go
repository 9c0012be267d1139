package chat

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to callers and subscribers.
type ErrorKind string

const (
	KindInvalidRequest      ErrorKind = "InvalidRequest"
	KindTenantQuotaExceeded ErrorKind = "TenantQuotaExceeded"
	KindPolicyBlocked       ErrorKind = "PolicyBlocked"
	KindProviderTimeout     ErrorKind = "ProviderTimeout"
	KindProviderFailure     ErrorKind = "ProviderFailure"
	KindPartialFailure      ErrorKind = "PartialFailure"
	KindCancelled           ErrorKind = "Cancelled"
	KindShutdownAborted     ErrorKind = "ShutdownAborted"
	KindRecoveryTimeout     ErrorKind = "RecoveryTimeout"
	KindNotFound            ErrorKind = "NotFound"
	KindInternal            ErrorKind = "Internal"
)

// Retryable reports whether a client may retry the same request later.
func (k ErrorKind) Retryable() bool {
	return k == KindTenantQuotaExceeded
}

// Error carries a kind alongside a human readable message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Message == "" && t.Err == nil
	}
	return false
}

var (
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
	ErrTenantQuotaExceeded = &Error{Kind: KindTenantQuotaExceeded}
	ErrPolicyBlocked       = &Error{Kind: KindPolicyBlocked}
	ErrProviderTimeout     = &Error{Kind: KindProviderTimeout}
	ErrProviderFailure     = &Error{Kind: KindProviderFailure}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to err. A nil err stays nil.
func Wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind of err, defaulting to ProviderFailure for
// unclassified errors and "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProviderFailure
}
