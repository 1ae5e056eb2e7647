// Package apperr defines the error taxonomy shared by the monitor engine
// and the HTTP layer. Every error that crosses a package boundary carries
// a Kind so callers can decide between propagating, recording and retrying.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindBadRequest covers malformed monitor configuration: unknown
	// predicate types, missing required fields, inconsistent triggers.
	KindBadRequest
	// KindNotFound covers unresolvable layer names and monitor ids.
	KindNotFound
	// KindConflict covers duplicate monitor names.
	KindConflict
	// KindUnavailable means the upstream layer provider is not ready yet.
	KindUnavailable
	// KindDataIntegrity means the feature store truncated a result set.
	// Evaluations must never proceed on partial data.
	KindDataIntegrity
	// KindActionDispatch means a remote action channel call failed.
	// Always non-fatal to the run that triggered it.
	KindActionDispatch
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad request"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindDataIntegrity:
		return "data integrity"
	case KindActionDispatch:
		return "action dispatch"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Msg  string
	Data map[string]any
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// With attaches a detail field and returns the same error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind carried by err, or KindUnknown for plain errors.
func KindOf(err error) Kind {
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
