package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when input fails validation before any
	// persistence happens. Validation errors are never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a session, job, task, container, or
	// browser context does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned when a session's expiry time has passed.
	// Read paths return this even before the sweep updates the stored
	// status.
	ErrExpired = errors.New("session expired")

	// ErrTransient is returned when an action failed for a reason that is
	// expected to clear on retry (flaky upstream, transient I/O). The
	// broker's retry/backoff governs redelivery.
	ErrTransient = errors.New("transient execution failure")

	// ErrResourceUnavailable is returned when a backing resource is
	// missing entirely (container runtime not installed, browser engine
	// failed to launch). Not retried automatically.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrTimeout is returned when a sandbox or browser operation exceeded
	// its wall-clock limit. The underlying process is always terminated.
	ErrTimeout = errors.New("operation timed out")
)

// IsRetryable reports whether an error should consume a broker retry
// attempt. Validation, not-found, expiry, and resource-unavailable
// errors are terminal; everything else is presumed transient.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrResourceUnavailable):
		return false
	default:
		return true
	}
}
