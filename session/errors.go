package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/b1naryth1ef/ferry/transfer"
)

var (
	// ErrNotFound is returned when a path does not exist on the backend.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported is returned when a backend lacks an operation the caller
	// cannot skip, e.g. writing to a read-only protocol.
	ErrUnsupported = errors.New("operation not supported")
)

// LoginFailureError reports rejected authentication. Retrying only makes
// sense with different credentials.
type LoginFailureError struct {
	Host string
	Err  error
}

func (e *LoginFailureError) Error() string {
	return fmt.Sprintf("login to %s failed: %v", e.Host, e.Err)
}

func (e *LoginFailureError) Unwrap() error {
	return e.Err
}

// TransportError reports a network or backend I/O failure.
type TransportError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable marks transport errors as candidates for another attempt.
func (e *TransportError) Retryable() bool {
	return true
}

// Transport wraps err as a *TransportError unless it is nil, already a
// transport error, a cancellation or a missing path.
func Transport(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	switch {
	case errors.As(err, &te),
		errors.Is(err, ErrNotFound),
		errors.Is(err, transfer.ErrCanceled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &TransportError{Op: op, Path: path, Err: err}
}

// NotFound wraps ErrNotFound with the missing location.
func NotFound(path string) error {
	return fmt.Errorf("%s: %w", path, ErrNotFound)
}
