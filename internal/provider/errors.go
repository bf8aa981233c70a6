package provider

import "errors"

// Provider error taxonomy. Transient errors are retried with backoff and
// provider failover; permanent errors fail the task immediately.
var (
	// ErrTransient is the generic transient failure (connection reset,
	// provider 5xx). Wrapped with detail at call sites.
	ErrTransient = errors.New("transient provider error")

	// ErrTimeout is returned when an attempt exceeds its deadline.
	ErrTimeout = errors.New("provider call timed out")

	// ErrRateLimited is returned when the backend signals throttling.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrInvalidInput is returned when the backend rejects the request
	// payload as malformed or out of range.
	ErrInvalidInput = errors.New("provider rejected input")

	// ErrContentRejected is returned when content is blocked by the
	// backend's safety filters.
	ErrContentRejected = errors.New("content rejected by provider")

	// ErrUnsupported is returned when the backend does not support the
	// requested parameters or task type.
	ErrUnsupported = errors.New("unsupported by provider")

	// ErrInsufficientCredits is returned when the backend account has no
	// remaining balance.
	ErrInsufficientCredits = errors.New("insufficient provider credits")
)

// IsTransient reports whether the error should be retried, possibly on a
// different provider.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// IsPermanent reports whether the error must fail the task without retry.
// Unclassified errors are treated as transient so one flaky SDK error does
// not sink a task that a different provider could finish.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrContentRejected) ||
		errors.Is(err, ErrUnsupported) ||
		errors.Is(err, ErrInsufficientCredits)
}
