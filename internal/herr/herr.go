// Package herr defines the closed set of error kinds surfaced by the
// core (see the error handling design table): InvalidArgument, NotFound,
// AlreadyExists, ResourceExhausted, InvalidFormat, Unavailable,
// ReplicationIncomplete, and Io.
package herr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error categories the core surfaces.
type Kind int

const (
	// Unknown is never carried by an *Error this package builds; it is
	// the zero value guard for a Kind that was never set, and KindOf
	// returns it for an error that does not wrap a *Error.
	Unknown Kind = iota
	InvalidArgument
	NotFound
	AlreadyExists
	ResourceExhausted
	InvalidFormat
	Unavailable
	// ReplicationIncomplete is a warning, not a hard error: the local
	// write already committed when this is returned.
	ReplicationIncomplete
	Io
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case ResourceExhausted:
		return "resource_exhausted"
	case InvalidFormat:
		return "invalid_format"
	case Unavailable:
		return "unavailable"
	case ReplicationIncomplete:
		return "replication_incomplete"
	case Io:
		return "io"
	default:
		return "unknown"
	}
}

// Error wraps a Kind, a message, and an optional cause.
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

func (e *Error) Unwrap() error { return e.Err }

// New builds a *Error with no cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds a *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a *Error that carries cause as its wrapped error.
func Wrap(kind Kind, cause error, msg string) error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Is reports whether err (or anything in its chain) is a *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind carried by err, or Unknown if err does not
// wrap a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
