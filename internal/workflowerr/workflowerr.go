// Package workflowerr is the closed error-kind taxonomy shared by every
// component of the processing pipeline (§7). Executors and collaborators
// raise kinded errors; only the Orchestrator's failure router decides
// retry vs rollback vs terminal. Nothing below the Orchestrator swallows
// an error silently.
package workflowerr

import (
	"errors"
	"fmt"
)

// Kind is the closed enumeration of machine-readable error kinds (§7).
type Kind string

const (
	NotFound      Kind = "not-found"
	NotAuthorized Kind = "not-authorized"
	Validation    Kind = "validation"
	Conflict      Kind = "conflict"

	InvalidInput    Kind = "invalid-input"
	SchemaMismatch  Kind = "schema-mismatch"

	Timeout             Kind = "timeout"
	RateLimited         Kind = "rate-limited"
	QuotaExceeded       Kind = "quota-exceeded"
	UpstreamUnavailable Kind = "upstream-unavailable"
	Network             Kind = "network"

	NoInput Kind = "no-input"

	Internal Kind = "internal"

	BackendUnavailable Kind = "backend-unavailable"
	StaleLease         Kind = "stale-lease"
)

// retryableKinds mirrors §7's "retryable" class.
var retryableKinds = map[Kind]bool{
	Timeout:             true,
	RateLimited:         true,
	QuotaExceeded:       true,
	UpstreamUnavailable: true,
	Network:             true,
	BackendUnavailable:  true,
}

// Retryable reports whether a kind is, in isolation, eligible for retry.
// The Orchestrator's failure router still has final say per (kind,
// priorRollbacksForStage).
func (k Kind) Retryable() bool { return retryableKinds[k] }

// Error is the typed, wrapped error every component in this module raises
// instead of bare strings (§7, ambient-stack rule).
type Error struct {
	Kind      Kind
	Stage     string // stage or operation name; empty when not stage-scoped
	Message   string
	RetryAfter string // optional hint, RFC3339 duration-ish free text
	Cause     error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether this specific error instance is retryable.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// New constructs a kinded Error.
func New(kind Kind, stage, message string) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message}
}

// Wrap constructs a kinded Error carrying an underlying cause.
func Wrap(kind Kind, stage, message string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise returns Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsRetryable reports whether err is retryable, treating non-*Error values
// as non-retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
