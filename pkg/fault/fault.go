// Package fault defines the error taxonomy shared across the runtime.
//
// Errors are tagged with a Kind so that callers can map them to transport
// semantics (HTTP status, retry hints) without string matching.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for policy decisions.
type Kind int

const (
	// KindInternal is an unexpected invariant violation. Never swallowed.
	KindInternal Kind = iota
	// KindConfig is missing credentials or malformed configuration.
	KindConfig
	// KindNotFound is an absent user, session or message id.
	KindNotFound
	// KindTransient covers network failures, rate limits and timeouts.
	KindTransient
	// KindParse is malformed LLM output (usually broken JSON).
	KindParse
	// KindGuardBlocked means the response guard replaced the output.
	KindGuardBlocked
	// KindCancelled is cooperative cancellation via context.
	KindCancelled
	// KindUnauthorized is a missing or invalid bearer token.
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindParse:
		return "parse"
	case KindGuardBlocked:
		return "guard_blocked"
	case KindCancelled:
		return "cancelled"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// Error is a kinded error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kinded error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
// Wrapping nil returns nil.
func Wrap(err error, kind Kind, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a call that produced this error may be retried.
func IsRetryable(err error) bool {
	return Is(err, KindTransient)
}
