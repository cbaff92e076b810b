// Package errors provides kind-tagged errors shared by the engine and its
// HTTP surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// StatusCode represents an HTTP status code error
type StatusCode int

// Error implements error
func (status StatusCode) Error() string {
	return http.StatusText(int(status))
}

func Status(code int) *Error {
	return Wrap(StatusCode(code)).Reason(http.StatusText(code))
}

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`

	trace []byte
	cause error
}

var _ error = (*Error)(nil)

func New(message string) *Error {
	return &Error{Kind: "Unknown", Message: message}
}

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

func Wrap(err error) *Error {
	return &Error{cause: err}
}

var (
	Invalid      *Error = Status(http.StatusBadRequest)
	Unauthorized *Error = Status(http.StatusUnauthorized)
	NotFound     *Error = Status(http.StatusNotFound)
	Conflict     *Error = Status(http.StatusConflict)
	Unavailable  *Error = Status(http.StatusServiceUnavailable)
)

// Engine error kinds. Transient errors are retried by the poll loop, Malformed
// and Invariant errors fail a single trade, Fatal errors stop startup.
var (
	Transient = NewWithKind("Transient")
	Malformed = NewWithKind("Malformed")
	Invariant = NewWithKind("Invariant")
	Fatal     = NewWithKind("Fatal")
	ClaimLost = NewWithKind("ClaimLost")
)

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	if len(e.trace) > 0 {
		str = str + fmt.Sprintf("\n\nTrace: %s", string(e.trace))
	}
	return str
}

// Reason returns a copy of the error with kind set to given value
func (e *Error) Reason(kind string) *Error {
	err := *e
	err.Kind = kind
	return &err
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the given cause
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Trace sets the error stack trace
func (e *Error) Trace() *Error {
	stack := make([]byte, 2048)
	n := runtime.Stack(stack, false)
	e.trace = stack[:n]
	return e
}

// Is implements the needed interface for errors.Is
// It checks kind for equality
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// KindOf returns the kind of the outermost *Error in the chain, or "Unknown".
func KindOf(err error) string {
	var e *Error
	if As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	return "Unknown"
}
