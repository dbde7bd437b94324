package core

import (
	"errors"
	"fmt"
)

// Error categories surfaced to callers of the orchestrator.
var (
	ErrNotFound          = errors.New("not found")
	ErrRemoteRejected    = errors.New("remote rejected")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrInternal          = errors.New("internal error")
	ErrConflict          = errors.New("conflict")
	ErrInvalidInput      = errors.New("invalid input")
)

// ErrorKind is the stable string form of an error category, used by transports.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindRemoteRejected    ErrorKind = "remote_rejected"
	KindRemoteUnavailable ErrorKind = "remote_unavailable"
	KindConflict          ErrorKind = "conflict"
	KindInvalidInput      ErrorKind = "invalid_input"
	KindInternal          ErrorKind = "internal_error"
)

// RemoteRejectedError carries the remote service's failure message verbatim.
type RemoteRejectedError struct {
	Message string
}

func (e *RemoteRejectedError) Error() string {
	return e.Message
}

// Is makes errors.Is(err, ErrRemoteRejected) match.
func (e *RemoteRejectedError) Is(target error) bool {
	return target == ErrRemoteRejected
}

// internalError tags a storage or unexpected failure with ErrInternal while
// keeping the underlying cause reachable through errors.Is / errors.As.
type internalError struct {
	op  string
	err error
}

func (e *internalError) Error() string {
	return e.op + ": " + e.err.Error()
}

func (e *internalError) Unwrap() []error {
	return []error{ErrInternal, e.err}
}

// Internal wraps err as an internal failure of op. NotFound and already
// categorised errors keep their category.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	switch KindOf(err) {
	case KindNotFound, KindConflict, KindRemoteRejected, KindRemoteUnavailable, KindInvalidInput:
		return fmt.Errorf("%s: %w", op, err)
	}
	return &internalError{op: op, err: err}
}

// KindOf maps err onto its category. Uncategorised errors are internal.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRemoteRejected):
		return KindRemoteRejected
	case errors.Is(err, ErrRemoteUnavailable):
		return KindRemoteUnavailable
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	default:
		return KindInternal
	}
}
