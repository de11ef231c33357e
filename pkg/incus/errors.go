package incus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// APIError is a hypervisor-reported failure. The server's own error message
// is preserved verbatim for diagnosis.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("incus: %s (status %d)", e.Message, e.StatusCode)
}

// ConflictError marks an operation rejected because a resource is in active
// use, e.g. deleting a storage pool with volumes or a profile attached to an
// instance. It is reported, never retried automatically.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return "incus: conflict: " + e.Message
}

// TimeoutError marks an operation that exceeded the caller's deadline. It is
// distinct from APIError so callers can decide to retry.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("incus: %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ErrNotFound is returned by lookups when the resource does not exist. It is
// never produced by transport or auth failures, so callers can rely on it to
// mean "absent" rather than "could not check".
var ErrNotFound = errors.New("incus: not found")

// IsNotFound reports whether err means the resource does not exist.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// wrapTimeout converts context deadline failures into TimeoutError.
func wrapTimeout(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	return err
}
