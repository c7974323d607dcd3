// Package errors provides structured error handling for the specforge core.
// Every error surfaced to a caller carries a stable Kind tag, a short
// human message, and an optional remediation, per the error taxonomy in
// SPEC_FULL.md §7.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind tags the category of a CoreError per the taxonomy in SPEC_FULL.md §7.
type Kind int

const (
	// KindTransient is a retryable backend error (network timeout, 5xx, SSE disconnect).
	KindTransient Kind = iota
	// KindNotFound is a fatal backend-not-found error (ENOENT on CLI, refused connection).
	KindNotFound
	// KindCancelled marks a cancellation; never surfaced as a user-facing failure.
	KindCancelled
	// KindProtocol marks a malformed/unrecognised wire payload; the event is dropped, stage continues.
	KindProtocol
	// KindInvariant marks a violated model invariant (cycle, duplicate worker, capacity breach).
	KindInvariant
	// KindRepository marks an error surfaced unchanged from the repository layer.
	KindRepository
)

// String returns a human-readable name for the error kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindCancelled:
		return "cancelled"
	case KindProtocol:
		return "protocol"
	case KindInvariant:
		return "invariant"
	case KindRepository:
		return "repository"
	default:
		return "unknown"
	}
}

// CoreError is a structured error with a stable kind tag, a short message,
// and optional remediation, per SPEC_FULL.md §7's "user-visible behavior" contract.
type CoreError struct {
	Kind        Kind
	Message     string
	Remediation string
	Err         error
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap enables errors.Is/errors.As to see through to the wrapped cause.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// New creates a CoreError of the given kind.
func New(kind Kind, message string, remediation ...string) *CoreError {
	e := &CoreError{Kind: kind, Message: message}
	if len(remediation) > 0 {
		e.Remediation = remediation[0]
	}
	return e
}

// Wrap wraps cause in a CoreError of the given kind. Returns nil if cause is nil.
func Wrap(kind Kind, cause error, message string, remediation ...string) *CoreError {
	if cause == nil {
		return nil
	}
	e := &CoreError{Kind: kind, Message: message, Err: cause}
	if len(remediation) > 0 {
		e.Remediation = remediation[0]
	}
	return e
}

// Cancelled builds the standard cancellation error used by pipeline/sequencer
// terminal states ("failed" with error "cancelled"/"aborted").
func Cancelled(reason string) *CoreError {
	return &CoreError{Kind: KindCancelled, Message: reason}
}

// KindOf returns the Kind of err if it is (or wraps) a *CoreError, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var ce *CoreError
	if stderrors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// IsCancelled reports whether err is a cancellation CoreError.
func IsCancelled(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindCancelled
}
