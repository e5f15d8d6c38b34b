package store

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Grounded in the teacher's one-sentinel-
// file-per-concern habit (control_plane/resilience/errors.go).
var (
	// ErrVersionConflict is returned by Update/Create when the caller's
	// version token is stale (optimistic concurrency).
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrNotFound is returned by Get/GetLifecycle for an unknown id.
	ErrNotFound = errors.New("store: not found")
)

// FatalError wraps a store error whose diagnostics indicate a configuration
// problem rather than transient overload (e.g. inline scripting disabled).
// It is never retried; the facade logs it at warn level and skips the
// cycle.
type FatalError struct {
	Diagnostic string
	Cause      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("store: fatal configuration error: %s: %v", e.Diagnostic, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// OverloadError wraps a store error whose diagnostics indicate the backend
// is shedding load (timeouts, 429-equivalents, cluster blocks). It feeds
// ManagedConfiguration and is otherwise retried on the next cycle.
type OverloadError struct {
	Diagnostic string
	Cause      error
}

func (e *OverloadError) Error() string {
	return fmt.Sprintf("store: overload signal (%s): %v", e.Diagnostic, e.Cause)
}

func (e *OverloadError) Unwrap() error { return e.Cause }

// IsVersionConflict reports whether err is (or wraps) ErrVersionConflict.
func IsVersionConflict(err error) bool { return errors.Is(err, ErrVersionConflict) }

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
