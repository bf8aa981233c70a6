package batch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/limiter"
	"github.com/videoai/orchestrator/internal/mocks"
	"github.com/videoai/orchestrator/internal/registry"
	"github.com/videoai/orchestrator/internal/scheduler"
	"github.com/videoai/orchestrator/internal/service"
	"github.com/videoai/orchestrator/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, tasks *mocks.TaskStore, batches *mocks.BatchStore) *Coordinator {
	t.Helper()
	reg := registry.New(registry.DefaultConfig(), nil, testLogger())
	lim := limiter.New(testLogger())
	sched := scheduler.New(scheduler.DefaultConfig(), reg, lim, nil, testLogger())
	return New(nil, nil, batches, sched, nil, testLogger())
}

func imageRequest(prompt string) service.CreateTaskRequest {
	return service.CreateTaskRequest{
		Type:  domain.TaskTypeImageGeneration,
		Input: json.RawMessage(`{"prompt":"` + prompt + `"}`),
	}
}

func TestSubmitRejectsEmptyBatch(t *testing.T) {
	t.Parallel()
	tasks := mocks.NewTaskStore()
	c := newTestCoordinator(t, tasks, mocks.NewBatchStore(tasks))

	_, _, err := c.Submit(context.Background(), nil)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestSubmitRejectsOversizedBatch(t *testing.T) {
	t.Parallel()
	tasks := mocks.NewTaskStore()
	c := newTestCoordinator(t, tasks, mocks.NewBatchStore(tasks))

	requests := make([]service.CreateTaskRequest, MaxBatchSize+1)
	for i := range requests {
		requests[i] = imageRequest("x")
	}

	_, _, err := c.Submit(context.Background(), requests)
	assert.True(t, errors.Is(err, domain.ErrBatchTooLarge))
}

func TestSubmitRejectsWholeBatchOnOneInvalidTask(t *testing.T) {
	t.Parallel()
	tasks := mocks.NewTaskStore()
	c := newTestCoordinator(t, tasks, mocks.NewBatchStore(tasks))

	requests := []service.CreateTaskRequest{
		imageRequest("fine"),
		{Type: domain.TaskTypeImageGeneration, Input: json.RawMessage(`{}`)}, // missing prompt
		imageRequest("also fine"),
	}

	_, _, err := c.Submit(context.Background(), requests)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Contains(t, err.Error(), "task 1", "error names the offending request")

	listed, err := tasks.ListTasks(context.Background(), store.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, listed, "nothing is partially accepted")
}

func TestGetDerivesBatchStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tasks := mocks.NewTaskStore()
	batches := mocks.NewBatchStore(tasks)
	c := newTestCoordinator(t, tasks, batches)

	var ids []uuid.UUID
	states := []domain.TaskState{domain.TaskStateCompleted, domain.TaskStateFailed, domain.TaskStateProcessing}
	for _, s := range states {
		task, err := domain.NewTask(domain.TaskTypeImageGeneration, json.RawMessage(`{"prompt":"x"}`), domain.PriorityMedium)
		require.NoError(t, err)
		require.NoError(t, tasks.CreateTask(ctx, task))
		if s == domain.TaskStateProcessing {
			require.NoError(t, tasks.TransitionState(ctx, task.ID,
				[]domain.TaskState{domain.TaskStateQueued}, domain.TaskStateDispatched, store.TaskUpdate{}))
			require.NoError(t, tasks.TransitionState(ctx, task.ID,
				[]domain.TaskState{domain.TaskStateDispatched}, s, store.TaskUpdate{}))
		} else {
			require.NoError(t, tasks.TransitionState(ctx, task.ID,
				[]domain.TaskState{domain.TaskStateQueued}, s, store.TaskUpdate{}))
		}
		ids = append(ids, task.ID)
	}

	group, err := domain.NewBatch(ids)
	require.NoError(t, err)
	require.NoError(t, batches.CreateBatch(ctx, group))

	status, err := c.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPending, status.Status, "one task still processing")
	assert.Equal(t, int64(1), status.Counts[domain.TaskStateCompleted])
	assert.Equal(t, int64(1), status.Counts[domain.TaskStateFailed])
	assert.Equal(t, int64(1), status.Counts[domain.TaskStateProcessing])

	// Finish the last task; mixed terminal outcomes still mean completed.
	require.NoError(t, tasks.TransitionState(ctx, ids[2],
		[]domain.TaskState{domain.TaskStateProcessing}, domain.TaskStateCancelled, store.TaskUpdate{}))

	status, err = c.Get(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCompleted, status.Status)
}

func TestGetUnknownBatch(t *testing.T) {
	t.Parallel()
	tasks := mocks.NewTaskStore()
	c := newTestCoordinator(t, tasks, mocks.NewBatchStore(tasks))

	_, err := c.Get(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, store.ErrBatchNotFound))
}
