// Package apperr defines the error taxonomy surfaced across the HTTP and
// streaming boundaries: validation, upstream, not-found, permission,
// deadline, and a catch-all internal kind.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation      Kind = "validation"
	KindUpstream        Kind = "upstream"
	KindNotFound        Kind = "not_found"
	KindPermission      Kind = "permission"
	KindDeadlineExceeded Kind = "deadline_exceeded"
	KindInternal        Kind = "internal"
)

// Error wraps an underlying cause with a taxonomy kind and a user-visible
// hint. It satisfies the standard error interface and unwraps to cause.
type Error struct {
	Kind  Kind
	Hint  string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Hint, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Hint)
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, hint string, cause error) *Error {
	return &Error{Kind: kind, Hint: hint, cause: cause}
}

func Validation(hint string, cause error) *Error { return newErr(KindValidation, hint, cause) }
func Upstream(hint string, cause error) *Error    { return newErr(KindUpstream, hint, cause) }
func NotFound(hint string, cause error) *Error    { return newErr(KindNotFound, hint, cause) }
func Permission(hint string, cause error) *Error  { return newErr(KindPermission, hint, cause) }
func Deadline(hint string, cause error) *Error    { return newErr(KindDeadlineExceeded, hint, cause) }
func Internal(hint string, cause error) *Error    { return newErr(KindInternal, hint, cause) }

// As extracts the *Error from any error chain, mirroring errors.As for
// convenience at call sites that only care about the Kind.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the taxonomy kind for err, defaulting to KindInternal when
// err does not wrap an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
