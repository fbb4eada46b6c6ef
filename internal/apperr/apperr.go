// Package apperr defines the core's error taxonomy (spec §7). Every
// boundary in the core translates internal failures into one of these
// kinds instead of letting raw errors or panics cross component lines.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for programmatic dispatch (HTTP status codes,
// retry policy, etc. are decided by callers outside the core).
type Kind string

const (
	KindInvalidArgument     Kind = "invalid_argument"
	KindCapacityReached     Kind = "capacity_reached"
	KindNotFound            Kind = "not_found"
	KindIllegalState        Kind = "illegal_state"
	KindBackendLaunch       Kind = "backend_launch_failure"
	KindBackendRuntime      Kind = "backend_runtime_failure"
	KindResourceExhausted   Kind = "resource_exhausted"
	KindSecurityViolation   Kind = "security_violation"
	KindPersistenceCorrupt  Kind = "persistence_corruption"
)

// Error is the concrete error type returned across core boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Is reports whether err (or anything it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// Sentinel errors for common NotFound/IllegalState cases so callers can
// use errors.Is against a stable value in addition to Kind dispatch.
var (
	ErrSessionNotFound  = New(KindNotFound, "session not found")
	ErrNotRunning       = New(KindIllegalState, "session is not running")
	ErrNotResumable     = New(KindIllegalState, "session is not resumable")
	ErrNotWaitingOnAny  = New(KindIllegalState, "session is not waiting for approval")
	ErrEmptyMessage     = New(KindInvalidArgument, "message must not be empty")
	ErrEmptyPrompt      = New(KindInvalidArgument, "prompt must not be empty")
	ErrCapacityReached  = New(KindCapacityReached, "concurrency cap reached")
)
