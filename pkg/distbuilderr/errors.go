// Package distbuilderr distinguishes the error kinds the core needs to tell
// apart at the RPC boundary: NotFound, Transport, IO, InvalidState, and
// ExecutionFailure (spec §7). Each kind wraps an underlying error so
// errors.Is/errors.As and %w formatting keep working through the stack.
package distbuilderr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies which of the five error categories an error belongs to.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindTransport        Kind = "transport"
	KindIO               Kind = "io"
	KindInvalidState     Kind = "invalid_state"
	KindExecutionFailure Kind = "execution_failure"
)

// Error is a kind-tagged, wrapped error.
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

// Is lets errors.Is(err, distbuilderr.NotFound) style sentinel checks work
// against a tagged Error by comparing kinds rather than identity.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

func newf(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NotFoundf builds a NotFound error (job, worker, or CAS digest unknown).
func NotFoundf(format string, args ...interface{}) error {
	return newf(KindNotFound, nil, format, args...)
}

// Transportf wraps an RPC connection/send failure.
func Transportf(err error, format string, args ...interface{}) error {
	return newf(KindTransport, err, format, args...)
}

// IOf wraps a filesystem error from the CAS.
func IOf(err error, format string, args ...interface{}) error {
	return newf(KindIO, err, format, args...)
}

// InvalidStatef marks a request that is well-formed but inapplicable given
// current state (e.g. a heartbeat from an unregistered worker).
func InvalidStatef(format string, args ...interface{}) error {
	return newf(KindInvalidState, nil, format, args...)
}

// ExecutionFailuref wraps a worker transformation failure. It is captured in
// the job's error field and never crashes the worker.
func ExecutionFailuref(err error, format string, args ...interface{}) error {
	return newf(KindExecutionFailure, err, format, args...)
}

// KindOf extracts the Kind of err, walking the Unwrap chain. ok is false if
// err (or nothing in its chain) is a tagged *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsNotFound reports whether err (or something it wraps) is a NotFound error.
func IsNotFound(err error) bool { k, ok := KindOf(err); return ok && k == KindNotFound }

// IsInvalidState reports whether err is an InvalidState error.
func IsInvalidState(err error) bool { k, ok := KindOf(err); return ok && k == KindInvalidState }

// HTTPStatus maps a Kind to the status code pkg/api uses to surface it.
func HTTPStatus(err error) int {
	kind, ok := KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState:
		return http.StatusConflict
	case KindTransport:
		return http.StatusBadGateway
	case KindIO:
		return http.StatusInternalServerError
	case KindExecutionFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
