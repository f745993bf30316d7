package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies failures so transports can map them to status codes and
// clients can decide whether a transfer is worth resuming.
type Kind uint8

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindTimeout
	KindTooManyRequests
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindTooManyRequests:
		return "too_many_requests"
	default:
		return "internal"
	}
}

// Retryable reports whether a client may retry the same request.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindInternal || k == KindTooManyRequests
}

// Error is a failure tagged with a Kind. The wrapped cause keeps its stack.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.cause.Error()
	}
	return e.Msg + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, format string, args ...interface{}) error {
	return errors.WithStack(&Error{Kind: kind, Msg: fmt.Sprintf(format, args...)})
}

func InvalidInput(format string, args ...interface{}) error {
	return newError(KindInvalidInput, format, args...)
}

func Unauthorized(format string, args ...interface{}) error {
	return newError(KindUnauthorized, format, args...)
}

func Forbidden(format string, args ...interface{}) error {
	return newError(KindForbidden, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newError(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) error {
	return newError(KindConflict, format, args...)
}

func Timeout(format string, args ...interface{}) error {
	return newError(KindTimeout, format, args...)
}

func TooManyRequests(format string, args ...interface{}) error {
	return newError(KindTooManyRequests, format, args...)
}

// Internal wraps an unexpected failure (storage, filesystem) as KindInternal.
func Internal(cause error, format string, args ...interface{}) error {
	return errors.WithStack(&Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), cause: cause})
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when none is present.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
