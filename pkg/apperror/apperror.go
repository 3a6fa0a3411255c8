// Package apperror defines the error taxonomy shared by every component:
// a closed set of kinds with a short machine code and a human message,
// propagated per §7.
package apperror

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error kinds in §7.
type Kind string

const (
	InvalidArgument        Kind = "InvalidArgument"
	Unauthorized           Kind = "Unauthorized"
	NotFound               Kind = "NotFound"
	Conflict               Kind = "Conflict"
	Overloaded             Kind = "Overloaded"
	RateLimited            Kind = "RateLimited"
	FunctionTimeout        Kind = "FunctionTimeout"
	UserLimitExceeded      Kind = "UserLimitExceeded"
	IndexNotReady          Kind = "IndexNotReady"
	ReadOnly               Kind = "ReadOnly"
	FallingBehindRetention Kind = "FallingBehindRetention"
	Transient              Kind = "Transient"
	Fatal                  Kind = "Fatal"
)

// Error is the concrete error type carried across component boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with a short machine code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a kind and message to an underlying error, preserving it
// for errors.Is/As.
func Wrap(kind Kind, code string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: cause.Error(), cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// UserError is the equivalent of a value raised by user code carrying a
// custom_data payload (§7): surfaced to the caller as a structured error
// rather than retried.
type UserError struct {
	Message    string
	CustomData *Value
	Stack      string
}

// Value is a minimal JSON-like payload carried by a UserError's
// custom_data field, decoupled from pkg/types to avoid an import cycle
// between the runtime and the transaction layer.
type Value = interface{}

func (e *UserError) Error() string { return e.Message }

// DeterministicUserError wraps any non-ConvexError-shaped value thrown by
// a query or mutation; it is returned as a value, never retried.
type DeterministicUserError struct {
	Message string
	Stack   string
}

func (e *DeterministicUserError) Error() string { return e.Message }
