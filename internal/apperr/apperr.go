// Package apperr implements the tagged error taxonomy the analytics worker
// uses instead of stringly-typed error channels: every failure surfaced to a
// caller carries one of a fixed set of Kinds so the Dispatcher and handlers
// can branch on failure class without parsing error strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the error classes the system recognizes.
type Kind string

const (
	ConfigMissing       Kind = "ConfigMissing"
	BusProtocol         Kind = "BusProtocol"
	StoreUnavailable    Kind = "StoreUnavailable"
	UpstreamUnavailable Kind = "UpstreamUnavailable"
	DataShape           Kind = "DataShape"
	ComputeFailed       Kind = "ComputeFailed"
	UnknownRequestKind  Kind = "UnknownRequestKind"
)

// Error wraps an underlying error with a Kind and a human-readable message.
// Trace holds structured traceback lines when the underlying failure is a
// compute-runtime exception; it is empty otherwise.
type Error struct {
	Kind    Kind
	Message string
	Trace   []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithTrace attaches compute-runtime traceback lines to an Error and
// returns it, for chaining at the ComputeFailed construction site.
func (e *Error) WithTrace(lines []string) *Error {
	e.Trace = lines
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; the zero Kind otherwise.
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}
