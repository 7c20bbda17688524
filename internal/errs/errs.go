// Package errs defines the error-kind taxonomy shared by the store,
// scheduler, worker pool, and CLI layers so callers can branch on what went
// wrong instead of string-matching messages.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind discriminates the category of a SchedArray error.
type Kind string

const (
	Validation        Kind = "validation"
	NotFound          Kind = "not_found"
	IllegalTransition Kind = "illegal_transition"
	Store             Kind = "store"
	ProcessSpawn      Kind = "process_spawn"
	Timeout           Kind = "timeout"
	Orphaned          Kind = "orphaned"
)

// Error is a kinded error that wraps an underlying cause via pkg/errors so
// stack information survives across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Cause returns the innermost wrapped error, matching pkg/errors.Cause.
func (e *Error) Cause() error {
	if e.cause == nil {
		return e
	}
	return errors.Cause(e.cause)
}

func newf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

func New(kind Kind, format string, args ...any) *Error {
	return newf(kind, nil, format, args...)
}

func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return New(kind, format, args...)
	}
	return newf(kind, errors.WithStack(cause), format, args...)
}

func ValidationErrorf(format string, args ...any) *Error {
	return New(Validation, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, format, args...)
}

func IllegalTransitionf(format string, args ...any) *Error {
	return New(IllegalTransition, format, args...)
}

func StoreErrorf(cause error, format string, args ...any) *Error {
	return Wrap(Store, cause, format, args...)
}

func ProcessSpawnErrorf(cause error, format string, args ...any) *Error {
	return Wrap(ProcessSpawn, cause, format, args...)
}

func TimeoutErrorf(format string, args ...any) *Error {
	return New(Timeout, format, args...)
}

func Orphanedf(format string, args ...any) *Error {
	return New(Orphaned, format, args...)
}

// Is reports whether err is a *Error of the given kind, unwrapping as
// needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
