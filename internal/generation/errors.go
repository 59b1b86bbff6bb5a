package generation

import (
	"errors"
	"fmt"
)

// Kind classifies a failure at the orchestrator boundary.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindStorage      Kind = "storage_error"
	KindDispatch     Kind = "dispatch_error"
	KindGeneration   Kind = "generation_failed"
	KindTimeout      Kind = "timeout"
	KindNotFound     Kind = "not_found"
	KindInternal     Kind = "internal_error"
)

// Error is the only error type the orchestrator returns to callers. Message is
// safe to show to clients; Err keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the classification of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// asBoundaryError converts anything that escapes a step into a typed error.
func asBoundaryError(err error, kind Kind, msg string) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return newError(kind, msg, err)
}

// ErrNilDependency is returned by constructors when a required collaborator is nil.
var ErrNilDependency = errors.New("required dependency is nil")
