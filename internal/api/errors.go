package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/scry-tasks/internal/api/shared"
	"github.com/phrazzld/scry-tasks/internal/domain"
	"github.com/phrazzld/scry-tasks/internal/service"
)

// errInvalidRequest marks malformed path or query parameters.
var errInvalidRequest = errors.New("invalid request")

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Not found errors
	case errors.Is(err, service.ErrTaskNotFound):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, service.ErrTaskConflict):
		return http.StatusConflict

	// Broker errors
	case errors.Is(err, service.ErrPublisherUnavailable):
		return http.StatusServiceUnavailable

	// Bad request errors
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, errInvalidRequest),
		errors.Is(err, domain.ErrInvalidTaskStatus),
		errors.Is(err, domain.ErrInvalidTaskPriority):
		return http.StatusBadRequest

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
	case errors.Is(err, service.ErrTaskNotFound):
		return "Task not found"

	case errors.Is(err, service.ErrTaskConflict):
		return "Task cannot be cancelled in its current status"

	case errors.Is(err, service.ErrPublisherUnavailable):
		return "Task queue is unavailable, try again later"

	case errors.Is(err, domain.ErrEmptyTaskTitle):
		return "Invalid title: required field"

	case errors.Is(err, domain.ErrTaskTitleTooLong):
		return fmt.Sprintf("Invalid title: must be at most %d characters", domain.MaxTitleLength)

	case errors.Is(err, domain.ErrInvalidTaskPriority):
		return "Invalid priority: must be one of LOW, MEDIUM, HIGH"

	case errors.Is(err, domain.ErrInvalidTaskStatus):
		return "Invalid status: must be one of NEW, PENDING, IN_PROGRESS, COMPLETED, FAILED, CANCELLED"

	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, errInvalidRequest):
		return "Invalid request"

	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the status code and safe message for err.
// defaultMsg replaces the generic message of unexpected errors when non-empty.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, defaultMsg string) {
	statusCode := MapErrorToStatusCode(err)
	message := GetSafeErrorMessage(err)
	if statusCode == http.StatusInternalServerError && defaultMsg != "" {
		message = defaultMsg
	}

	var opts []shared.ResponseOption
	if statusCode == http.StatusServiceUnavailable || statusCode == http.StatusConflict {
		opts = append(opts, shared.WithElevatedLogLevel())
	}

	shared.RespondWithErrorAndLog(w, r, statusCode, message, err, opts...)
}

// SanitizeValidationError removes sensitive details from validation errors
// and returns a user-friendly message.
func SanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		fe := validationErrs[0]
		return fmt.Sprintf("Invalid %s: %s", strings.ToLower(fe.Field()), getValidationTagMessage(fe.Tag(), fe.Param()))
	}

	// Fall back to a generic validation error message
	return "Validation error"
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag, param string) string {
	switch tag {
	case "required", "notblank":
		return "required field"
	case "max":
		return fmt.Sprintf("must be at most %s characters", param)
	case "min":
		return "too short"
	case "oneof":
		return "must be one of " + strings.ReplaceAll(param, " ", ", ")
	default:
		return "validation failed"
	}
}
