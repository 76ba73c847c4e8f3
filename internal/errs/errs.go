// Package errs defines the error taxonomy every operation boundary maps to.
// Internal code wraps freely with fmt.Errorf("...: %w", err); before an error
// crosses the service boundary it is classified into one of these kinds so
// callers can act on it without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary handling.
type Kind int

const (
	// KindInternal is the default for unclassified failures.
	KindInternal Kind = iota
	// KindNotFound: an id does not resolve. No retry.
	KindNotFound
	// KindValidation: input violates invariants. Reported synchronously.
	KindValidation
	// KindConflict: a state-machine transition is illegal in the current state.
	KindConflict
	// KindExternal: the external platform failed (4xx/5xx, timeout). Retried
	// per the retry budget for idempotent calls only.
	KindExternal
	// KindStale: a data source lags beyond threshold. The data is still
	// returned, flagged; no retry.
	KindStale
	// KindAuthExpired: external credentials are invalid. The owning account
	// is marked needs-reauth; other accounts are unaffected.
	KindAuthExpired
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindExternal:
		return "external_failure"
	case KindStale:
		return "stale"
	case KindAuthExpired:
		return "auth_expired"
	default:
		return "internal"
	}
}

// Error carries a kind alongside a message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err yields nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf walks the wrap chain and returns the first classification found,
// KindInternal when none is.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound reports whether the error is a NotFound.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsValidation reports whether the error is a Validation.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsConflict reports whether the error is a Conflict.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }

// IsStale reports whether the error is a Stale.
func IsStale(err error) bool { return IsKind(err, KindStale) }

// IsAuthExpired reports whether the error is an AuthExpired.
func IsAuthExpired(err error) bool { return IsKind(err, KindAuthExpired) }
