package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/videoai/orchestrator/internal/api/shared"
	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status
// codes based on the error type. This prevents leaking internal error
// types or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Authentication errors
	case errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, store.ErrAPIKeyNotFound):
		return http.StatusUnauthorized

	// Not found errors
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrBatchNotFound),
		errors.Is(err, store.ErrProviderNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	// Conflict errors: the request arrived too late or targets a task in
	// the wrong state
	case errors.Is(err, domain.ErrTooLate),
		errors.Is(err, domain.ErrNotRetryable),
		errors.Is(err, store.ErrStaleState),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrBatchTooLarge),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	// No capacity to take the task
	case errors.Is(err, domain.ErrNoProviderAvailable):
		return http.StatusServiceUnavailable

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal
// details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, store.ErrAPIKeyNotFound):
		return "Invalid API key"

	case errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"

	case errors.Is(err, store.ErrBatchNotFound):
		return "Batch not found"

	case errors.Is(err, store.ErrProviderNotFound):
		return "Provider not found"

	case errors.Is(err, domain.ErrTooLate):
		return "Task already reached a terminal state"

	case errors.Is(err, domain.ErrNotRetryable):
		return "Only failed tasks can be retried"

	case errors.Is(err, domain.ErrBatchTooLarge):
		return "Batch exceeds the maximum size"

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity):
		return SanitizeValidationError(err)

	case errors.Is(err, domain.ErrInvalidID):
		return "Invalid ID format"

	case errors.Is(err, domain.ErrNoProviderAvailable):
		return "No provider is currently available for this task type"

	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError removes sensitive details from validation errors
// and returns a user-friendly message.
func SanitizeValidationError(err error) string {
	errMsg := err.Error()

	if strings.Contains(errMsg, "Field validation") {
		// Example format: "Key: 'CreateTaskRequest.Input' Error:Field
		// validation for 'Input' failed on the 'required' tag"
		parts := strings.Split(errMsg, "Error:")
		if len(parts) >= 2 {
			fieldParts := strings.Split(parts[1], "'")
			if len(fieldParts) >= 3 {
				field := fieldParts[1]
				var tag string
				if len(fieldParts) >= 5 {
					tag = fieldParts[3]
				}

				if tag != "" {
					return fmt.Sprintf("Invalid %s: %s", field, getValidationTagMessage(tag))
				}
				return fmt.Sprintf("Invalid %s", field)
			}
		}
	}

	// Domain validation errors carry safe, stable messages after the
	// sentinel prefix.
	if idx := strings.Index(errMsg, ": "); idx >= 0 && strings.HasPrefix(errMsg, "validation failed") {
		return "Validation error: " + errMsg[idx+2:]
	}

	return "Validation error"
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "url":
		return "invalid URL format"
	case "min":
		return "too short or too small"
	case "max":
		return "too long or too large"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}

// HandleAPIError maps err to a status code and writes a sanitized error
// response. When userMessage is empty, the safe message derived from the
// error type is used.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, userMessage string) {
	status := MapErrorToStatusCode(err)
	if userMessage == "" {
		userMessage = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, userMessage, err)
}
