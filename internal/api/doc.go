// Package api exposes the task lifecycle over HTTP: submission, status,
// cancellation, retry, batches, provider listing and queue statistics.
// Handlers translate HTTP concerns into service calls and map internal
// errors to sanitized responses.
package api
