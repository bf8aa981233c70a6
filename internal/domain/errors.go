// Package domain defines the core business entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity or task input fails
	// validation. This is often wrapped with a more specific message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrTooLate is returned when a cancellation request arrives after the
	// task has already reached a terminal state. The terminal result is
	// preserved.
	ErrTooLate = errors.New("task already terminal")

	// ErrNotRetryable is returned when a retry is requested for a task that
	// is not in the failed state.
	ErrNotRetryable = errors.New("only failed tasks can be retried")

	// ErrBatchTooLarge is returned when a batch submission exceeds the
	// configured maximum size. Nothing from the batch is accepted.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")

	// ErrNoProviderAvailable is returned when no registered provider is
	// eligible for a task's media type within the configured wait.
	ErrNoProviderAvailable = errors.New("no provider available")

	// ErrUnauthorized is returned when an operation is not permitted.
	ErrUnauthorized = errors.New("unauthorized operation")
)
