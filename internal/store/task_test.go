package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-tasks/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyStatusUpdate(t *testing.T) {
	started := time.Date(2025, time.April, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(2 * time.Second)
	previousErr := "previous failure"

	task := &domain.Task{
		ID:        uuid.New(),
		Title:     "T1",
		Priority:  domain.TaskPriorityHigh,
		Status:    domain.TaskStatusInProgress,
		CreatedAt: started.Add(-time.Minute),
		StartedAt: &started,
		Error:     &previousErr,
	}

	updated := ApplyStatusUpdate(task, StatusUpdate{
		Status:     domain.TaskStatusCompleted,
		StartedAt:  domain.Keep[time.Time](),
		FinishedAt: domain.Set(finished),
		Result:     domain.Set(json.RawMessage(`{"summary":"done"}`)),
		Error:      domain.Set[*string](nil),
	})

	require.NotNil(t, updated)
	assert.Equal(t, domain.TaskStatusCompleted, updated.Status)
	assert.Equal(t, started, *updated.StartedAt)
	assert.Equal(t, finished, *updated.FinishedAt)
	assert.JSONEq(t, `{"summary":"done"}`, string(updated.Result))
	assert.Nil(t, updated.Error)

	// The input is not modified
	assert.Equal(t, domain.TaskStatusInProgress, task.Status)
	assert.NotNil(t, task.Error)
	assert.Nil(t, task.FinishedAt)
}
