package story

import (
	"errors"

	"github.com/npezzotti/storyroom/internal/types"
)

type ErrorKind int

const (
	KindNotFound ErrorKind = iota + 1
	KindForbidden
	KindConflict
	KindUnprocessable
	KindInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindUnprocessable:
		return "unprocessable"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error is a client visible failure. Conflict and Unprocessable errors carry
// the timeout events produced while the request was handled.
type Error struct {
	Kind          ErrorKind
	Message       string
	TimeoutEvents []types.TimeoutEvent
	Violations    []string
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Message
}

func notFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}

func conflict(msg string, events []types.TimeoutEvent) *Error {
	return &Error{Kind: KindConflict, Message: msg, TimeoutEvents: events}
}

func unprocessable(violations []string, events []types.TimeoutEvent) *Error {
	return &Error{
		Kind:          KindUnprocessable,
		Message:       "Turn violates the room rules.",
		Violations:    violations,
		TimeoutEvents: events,
	}
}

func invalid(msg string) *Error {
	return &Error{Kind: KindInvalid, Message: msg}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
