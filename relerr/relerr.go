// Package relerr defines the structured error taxonomy shared by the store,
// engine, and gateway. Every error that crosses a package boundary carries a
// stable Kind so callers can branch without string matching.
package relerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindUserNotFound      Kind = "user_not_found"
	KindSelfReference     Kind = "self_reference"
	KindAlreadyExists     Kind = "already_exists"
	KindAlreadyFriends    Kind = "already_friends"
	KindBlocked           Kind = "blocked"
	KindNotFound          Kind = "not_found"
	KindUnauthorized      Kind = "unauthorized"
	KindInvalidState      Kind = "invalid_state"
	KindInvalidPagination Kind = "invalid_pagination"
	// KindConflict is internal: a transaction lost a race and may be retried.
	// The engine retries it and surfaces KindTransientStore if retries run out.
	KindConflict       Kind = "conflict"
	KindTransientStore Kind = "transient_store"
	KindUnknown        Kind = "unknown"
)

// Error is a structured error with a stable kind, the operation that failed,
// and a human-readable message.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	if e.Op == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match on kind, so sentinel-style comparisons like
// errors.Is(err, relerr.E(relerr.KindNotFound, "", "")) work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds a new Error.
func E(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an Error around an underlying cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the Kind from any error. Non-taxonomy errors report
// KindUnknown; nil reports the empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
