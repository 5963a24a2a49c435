package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/phrazzld/genqueue/internal/api/shared"
	"github.com/phrazzld/genqueue/internal/queue"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Bad request errors
	case errors.Is(err, queue.ErrInvalidPayload),
		errors.Is(err, queue.ErrUnknownJobType),
		errors.Is(err, queue.ErrInvalidOption):
		return http.StatusBadRequest

	// Not found errors
	case errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, queue.ErrDuplicateJob):
		return http.StatusConflict

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, queue.ErrUnknownJobType):
		return "Unknown task type"

	case errors.Is(err, queue.ErrInvalidPayload):
		return "Invalid task payload"

	case errors.Is(err, queue.ErrInvalidOption):
		return "Invalid task options"

	case errors.Is(err, queue.ErrJobNotFound):
		return "Task not found"

	case errors.Is(err, queue.ErrDuplicateJob):
		return "A task with this external id already exists"

	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError maps err to a status code and a safe message and writes
// the error response. A non-empty fallback replaces the generic message of
// unmapped errors.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := MapErrorToStatusCode(err)
	message := GetSafeErrorMessage(err)
	if status == http.StatusInternalServerError && fallback != "" {
		message = fallback
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}

// SanitizeValidationError removes sensitive details from validation errors
// and returns a user-friendly message.
func SanitizeValidationError(err error) string {
	errMsg := err.Error()

	// Example format: "Key: 'SubmitTaskRequest.Type' Error:Field validation for 'Type' failed on the 'required' tag"
	if strings.Contains(errMsg, "Field validation") {
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

	return "Validation error"
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "email":
		return "invalid email format"
	case "min", "gte":
		return "too small"
	case "max", "lte":
		return "too large"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
