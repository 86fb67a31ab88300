// Package apperr defines the error kinds returned to ssh-liaison callers.
//
// Every failure that crosses the dispatcher boundary is an *Error carrying a
// Kind, so transports (MCP, REPL) can report a machine-distinguishable
// category alongside the human-readable message.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the category of an operation failure.
type Kind string

const (
	KindConnect         Kind = "connect_error"
	KindAuthExhausted   Kind = "auth_exhausted"
	KindSessionNotFound Kind = "session_not_found"
	KindCommandTimeout  Kind = "command_timeout"
	KindSessionLost     Kind = "session_lost"
	KindConfigNotFound  Kind = "config_not_found"
	KindInvalidRequest  Kind = "invalid_request"
	KindInternal        Kind = "internal"
)

// Sentinel values for errors.Is comparisons. Only the Kind is compared.
var (
	ErrConnect         = &Error{Kind: KindConnect}
	ErrAuthExhausted   = &Error{Kind: KindAuthExhausted}
	ErrSessionNotFound = &Error{Kind: KindSessionNotFound}
	ErrCommandTimeout  = &Error{Kind: KindCommandTimeout}
	ErrSessionLost     = &Error{Kind: KindSessionLost}
	ErrConfigNotFound  = &Error{Kind: KindConfigNotFound}
	ErrInvalidRequest  = &Error{Kind: KindInvalidRequest}
)

// Error is a categorized failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
