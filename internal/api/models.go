package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/scry-tasks/internal/domain"
	"github.com/phrazzld/scry-tasks/internal/service"
)

// CreateTaskRequest defines the payload for the create task endpoint.
type CreateTaskRequest struct {
	Title       string  `json:"title"       validate:"required,notblank,max=255"`
	Description *string `json:"description"`
	// Priority is one of LOW, MEDIUM, HIGH (case-insensitive); MEDIUM when omitted.
	Priority *string `json:"priority"`
}

// TaskResponse is the public representation of a task. Every field is present;
// unset optional fields are null.
type TaskResponse struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description *string         `json:"description"`
	Priority    string          `json:"priority"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at"`
	Result      json.RawMessage `json:"result"`
	Error       *string         `json:"error"`
}

// TaskListResponse is one page of tasks.
type TaskListResponse struct {
	Items  []TaskResponse `json:"items"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// TaskStatusResponse carries only the status of a task.
type TaskStatusResponse struct {
	Status string `json:"status"`
}

func taskToResponse(task *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:          task.ID.String(),
		Title:       task.Title,
		Description: task.Description,
		Priority:    string(task.Priority),
		Status:      string(task.Status),
		CreatedAt:   task.CreatedAt,
		StartedAt:   task.StartedAt,
		FinishedAt:  task.FinishedAt,
		Error:       task.Error,
	}
	if len(task.Result) > 0 {
		resp.Result = task.Result
	} else {
		resp.Result = json.RawMessage("null")
	}
	return resp
}

func pageToResponse(page *service.TaskPage) TaskListResponse {
	items := make([]TaskResponse, 0, len(page.Items))
	for _, task := range page.Items {
		items = append(items, taskToResponse(task))
	}
	return TaskListResponse{
		Items:  items,
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	}
}
