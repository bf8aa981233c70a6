package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/limiter"
	"github.com/videoai/orchestrator/internal/mocks"
	"github.com/videoai/orchestrator/internal/registry"
	"github.com/videoai/orchestrator/internal/scheduler"
	"github.com/videoai/orchestrator/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.WebhookEventType
}

func (n *recordingNotifier) Notify(ctx context.Context, task *domain.Task, event domain.WebhookEventType) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *recordingNotifier) Events() []domain.WebhookEventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.WebhookEventType(nil), n.events...)
}

type serviceFixture struct {
	tasks      *mocks.TaskStore
	deliveries *mocks.DeliveryStore
	sched      *scheduler.Scheduler
	notifier   *recordingNotifier
	svc        *TaskService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	tasks := mocks.NewTaskStore()
	deliveries := mocks.NewDeliveryStore()
	reg := registry.New(registry.DefaultConfig(), nil, testLogger())
	lim := limiter.New(testLogger())
	sched := scheduler.New(scheduler.DefaultConfig(), reg, lim, nil, testLogger())
	notifier := &recordingNotifier{}

	return &serviceFixture{
		tasks:      tasks,
		deliveries: deliveries,
		sched:      sched,
		notifier:   notifier,
		svc:        NewTaskService(tasks, deliveries, sched, notifier, testLogger()),
	}
}

func TestCreateTask(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)

	task, err := f.svc.Create(context.Background(), CreateTaskRequest{
		Type:     domain.TaskTypeImageGeneration,
		Input:    json.RawMessage(`{"prompt":"a cat"}`),
		Priority: "high",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.TaskStateQueued, task.State)
	assert.Equal(t, domain.PriorityHigh, task.Priority)
	assert.Equal(t, 3, task.MaxRetries)
	assert.Equal(t, 1, f.sched.QueueDepth())
	assert.Equal(t, []domain.WebhookEventType{domain.EventTaskQueued}, f.notifier.Events())

	stored, err := f.tasks.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateQueued, stored.State)
}

func TestCreateTaskValidation(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	cases := []CreateTaskRequest{
		{Type: domain.TaskTypeImageGeneration, Input: json.RawMessage(`{}`)},
		{Type: domain.TaskTypeImageGeneration, Input: json.RawMessage(`{"prompt":"x"}`), Priority: "asap"},
		{Type: domain.TaskTypeImageGeneration, Input: json.RawMessage(`{"prompt":"x"}`), WebhookURL: "ftp://nope"},
		{Type: domain.TaskTypeImageGeneration, Input: json.RawMessage(`{"prompt":"x"}`), WebhookURL: "https://ok", WebhookSecret: "short"},
	}
	for i, req := range cases {
		_, err := f.svc.Create(ctx, req)
		assert.True(t, errors.Is(err, domain.ErrValidation), "case %d: got %v", i, err)
	}

	assert.Zero(t, f.sched.QueueDepth(), "invalid requests must not reach the scheduler")
}

func TestCreateTaskOverridesRetryBudget(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)

	zero := 0
	task, err := f.svc.Create(context.Background(), CreateTaskRequest{
		Type:       domain.TaskTypeImageGeneration,
		Input:      json.RawMessage(`{"prompt":"x"}`),
		MaxRetries: &zero,
	})
	require.NoError(t, err)
	assert.Zero(t, task.MaxRetries)
}

func TestGetIncludesDeliveryHistory(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, CreateTaskRequest{
		Type:          domain.TaskTypeImageGeneration,
		Input:         json.RawMessage(`{"prompt":"x"}`),
		WebhookURL:    "https://example.com/hook",
		WebhookSecret: "super-secret-key-123",
	})
	require.NoError(t, err)

	d, err := domain.NewWebhookDelivery(task.ID, 1, domain.EventTaskQueued, task.WebhookURL, task.WebhookSecret, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, f.deliveries.CreateDelivery(ctx, d))

	status, err := f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, status.Task.ID)
	require.Len(t, status.Deliveries, 1)
	assert.Equal(t, domain.EventTaskQueued, status.Deliveries[0].EventType)

	_, err = f.svc.Get(ctx, task.ID)
	require.NoError(t, err)
}

func TestCancelQueuedTask(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, CreateTaskRequest{
		Type:  domain.TaskTypeImageGeneration,
		Input: json.RawMessage(`{"prompt":"x"}`),
	})
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateCancelled, cancelled.State)
	assert.NotNil(t, cancelled.CompletedAt)
	assert.Zero(t, f.sched.QueueDepth(), "cancelled task leaves the queue")
	assert.Contains(t, f.notifier.Events(), domain.EventTaskCancelled)
}

func TestCancelTerminalTaskIsTooLate(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, CreateTaskRequest{
		Type:  domain.TaskTypeImageGeneration,
		Input: json.RawMessage(`{"prompt":"x"}`),
	})
	require.NoError(t, err)

	require.NoError(t, f.tasks.TransitionState(ctx, task.ID,
		[]domain.TaskState{domain.TaskStateQueued},
		domain.TaskStateFailed, store.TaskUpdate{}))

	_, err = f.svc.Cancel(ctx, task.ID)
	assert.True(t, errors.Is(err, domain.ErrTooLate))
	assert.Equal(t, domain.TaskStateFailed, f.tasks.State(task.ID), "stored result stands")
}

func TestRetryFailedTask(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, CreateTaskRequest{
		Type:  domain.TaskTypeImageGeneration,
		Input: json.RawMessage(`{"prompt":"x"}`),
	})
	require.NoError(t, err)
	f.sched.Remove(task.ID)

	attempts := 4
	lastErr := "provider exploded"
	require.NoError(t, f.tasks.TransitionState(ctx, task.ID,
		[]domain.TaskState{domain.TaskStateQueued},
		domain.TaskStateFailed,
		store.TaskUpdate{AttemptCount: &attempts, LastError: &lastErr, Output: []byte(`{"partial":true}`)}))

	retried, err := f.svc.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateQueued, retried.State)
	assert.Zero(t, retried.AttemptCount)
	assert.Empty(t, retried.LastError)
	assert.Empty(t, retried.Output)
	assert.Equal(t, 1, f.sched.QueueDepth())

	stored, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateQueued, stored.State)
	assert.Empty(t, stored.Output, "stale output cleared on retry")
	assert.Zero(t, stored.AttemptCount)
}

func TestRetryRejectsNonFailedStates(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, CreateTaskRequest{
		Type:  domain.TaskTypeImageGeneration,
		Input: json.RawMessage(`{"prompt":"x"}`),
	})
	require.NoError(t, err)

	_, err = f.svc.Retry(ctx, task.ID)
	assert.True(t, errors.Is(err, domain.ErrNotRetryable), "queued task is not retryable")

	require.NoError(t, f.tasks.TransitionState(ctx, task.ID,
		[]domain.TaskState{domain.TaskStateQueued},
		domain.TaskStateCancelled, store.TaskUpdate{}))

	_, err = f.svc.Retry(ctx, task.ID)
	assert.True(t, errors.Is(err, domain.ErrNotRetryable), "cancelled task is not retryable")
}

func TestRecoverRequeuesStrandedTasks(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	stranded, err := f.svc.Create(ctx, CreateTaskRequest{
		Type:  domain.TaskTypeImageGeneration,
		Input: json.RawMessage(`{"prompt":"x"}`),
	})
	require.NoError(t, err)
	f.sched.Remove(stranded.ID)

	one := 1
	provider := "p"
	require.NoError(t, f.tasks.TransitionState(ctx, stranded.ID,
		[]domain.TaskState{domain.TaskStateQueued},
		domain.TaskStateDispatched,
		store.TaskUpdate{AssignedProvider: &provider, AttemptCount: &one}))

	require.NoError(t, f.svc.Recover(ctx))

	recovered, err := f.tasks.GetTask(ctx, stranded.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateQueued, recovered.State)
	assert.Equal(t, "interrupted by restart", recovered.LastError)
	assert.Equal(t, 1, f.sched.QueueDepth())
}

func TestExpireUnschedulable(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	task, err := f.svc.Create(ctx, CreateTaskRequest{
		Type:  domain.TaskTypeImageGeneration,
		Input: json.RawMessage(`{"prompt":"x"}`),
	})
	require.NoError(t, err)

	f.svc.ExpireUnschedulable(task)

	stored, err := f.tasks.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateFailed, stored.State)
	assert.Equal(t, domain.ErrNoProviderAvailable.Error(), stored.LastError)
	assert.Contains(t, f.notifier.Events(), domain.EventTaskFailed)
}

func TestStats(t *testing.T) {
	t.Parallel()
	f := newServiceFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Create(ctx, CreateTaskRequest{
			Type:  domain.TaskTypeImageGeneration,
			Input: json.RawMessage(`{"prompt":"x"}`),
		})
		require.NoError(t, err)
	}

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.QueueDepth)
	assert.Equal(t, int64(3), stats.ByState[domain.TaskStateQueued])
	assert.Equal(t, int64(3), stats.ByType[domain.TaskTypeImageGeneration])
}
