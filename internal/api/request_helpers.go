package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/domain"
	"github.com/phrazzld/scry-tasks/internal/service"
)

// PaginationConfig bounds the limit query parameter of list endpoints.
type PaginationConfig struct {
	DefaultPageSize int
	MaxPageSize     int
}

// getPathUUID extracts and parses a UUID path parameter.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	pathParam := chi.URLParam(r, paramName)
	if pathParam == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", errInvalidRequest, paramName)
	}

	id, err := uuid.Parse(pathParam)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s has invalid format", errInvalidRequest, paramName)
	}

	return id, nil
}

// parseListTasksInput reads the status, priority, limit and offset query
// parameters. Absent parameters use the pagination defaults.
func parseListTasksInput(r *http.Request, pagination PaginationConfig) (service.ListTasksInput, error) {
	query := r.URL.Query()
	input := service.ListTasksInput{
		Limit: pagination.DefaultPageSize,
	}

	if raw := query.Get("status"); raw != "" {
		status, err := domain.ParseTaskStatus(raw)
		if err != nil {
			return input, err
		}
		input.Status = &status
	}

	if raw := query.Get("priority"); raw != "" {
		priority, err := domain.ParseTaskPriority(raw)
		if err != nil {
			return input, err
		}
		input.Priority = &priority
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > pagination.MaxPageSize {
			return input, fmt.Errorf("%w: limit must be between 1 and %d", errInvalidRequest, pagination.MaxPageSize)
		}
		input.Limit = limit
	}

	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return input, fmt.Errorf("%w: offset must be a non-negative integer", errInvalidRequest)
		}
		input.Offset = offset
	}

	return input, nil
}
