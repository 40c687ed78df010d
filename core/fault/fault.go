// Package fault classifies failures into the fixed set of kinds the
// coordinator reports to clients. Each call site wraps an underlying error
// with a kind and a client-safe message; the coordinator matches on the kind
// to decide what to emit and what to log.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind int

const (
	// Internal is any unexpected failure. The zero value, so an unwrapped
	// error classifies as Internal.
	Internal Kind = iota
	// InvalidArgument covers malformed event payloads, empty content, and
	// out-of-range pagination.
	InvalidArgument
	// Unauthenticated covers missing, invalid, or expired tokens.
	Unauthenticated
	// Forbidden covers token kind mismatches and wrong-doctor joins.
	Forbidden
	// NotFound covers unknown room ids.
	NotFound
	// Conflict covers a doctor join against an already-claimed room.
	Conflict
	// DecryptError covers stored bodies unreadable under the supplied key.
	DecryptError
	// UpstreamDegraded covers translation / STT / TTS provider failures.
	UpstreamDegraded
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case DecryptError:
		return "decrypt_error"
	case UpstreamDegraded:
		return "upstream_degraded"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a failure tagged with a Kind and a message safe to show clients.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // underlying cause, for logs only
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a fault with the given kind and client-safe message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap returns a fault with the given kind and message, retaining err as the
// underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of err. Errors that are not (and do not wrap) a
// *Error classify as Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Message returns the client-safe message of err, or a generic message for
// errors carrying no fault.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Msg
	}
	return "internal error"
}
