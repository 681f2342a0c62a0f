// Package corerr defines the typed error kinds shared across the engine
// (§7). Components return these instead of panicking or inventing ad-hoc
// string codes, so callers can reliably branch with errors.Is.
package corerr

import "errors"

// Kind is one of the stable, wire-safe error kind strings from §7.
type Kind string

const (
	KindPolicyDenied    Kind = "policy_denied"
	KindValidationError Kind = "validation_error"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindTimeout         Kind = "timeout"
	KindBackpressure    Kind = "backpressure"
	KindAuthError       Kind = "auth_error"
	KindSchemaError     Kind = "schema_error"
	KindUowPanic        Kind = "uow_panic"
	KindEnvelopeInvalid Kind = "envelope_invalid"
	KindInternal        Kind = "internal"
)

// Error carries a stable Kind alongside a human-readable reason. Kind is
// what callers branch on; Reason is for logs/correlation, never leaked
// verbatim to end users for policy_denied (§7 "never leaks private
// reasons").
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds an *Error of the given kind that wraps an underlying cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindInternal for errors
// that were never classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return KindInternal
}
