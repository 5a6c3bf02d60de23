package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCapacity means the backend rejected provisioning because no
	// instance is available. Surfaces on the job as
	// interrupted_by_no_capacity and triggers run retry when permitted.
	ErrNoCapacity = errors.New("no capacity")

	// ErrNotFound means the resource vanished at the backend out-of-band.
	// Terminate paths treat it as success.
	ErrNotFound = errors.New("not found at backend")

	// ErrUnsupportedKind means no adapter is wired for the backend kind
	ErrUnsupportedKind = errors.New("unsupported backend kind")
)

// BackendError is the expected, transient fault class: rate limits, 5xx,
// timeouts. Reconcilers retry it on the next tick.
type BackendError struct {
	Kind    string
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend error: %s", e.Kind, e.Message)
}

// NewBackendError builds a transient backend fault
func NewBackendError(kind, format string, args ...any) *BackendError {
	return &BackendError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsNoCapacity reports whether err is a capacity rejection
func IsNoCapacity(err error) bool {
	return errors.Is(err, ErrNoCapacity)
}

// IsNotFound reports whether err means the resource is gone at the backend
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// AsBackendError extracts the transient fault, if any
func AsBackendError(err error) (*BackendError, bool) {
	var be *BackendError
	ok := errors.As(err, &be)
	return be, ok
}
