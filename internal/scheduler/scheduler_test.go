package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/limiter"
	"github.com/videoai/orchestrator/internal/mocks"
	"github.com/videoai/orchestrator/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, types ...domain.TaskType) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.DefaultConfig(), nil, testLogger())
	if len(types) > 0 {
		require.NoError(t, reg.Register(context.Background(), mocks.NewBinding("test-provider", types...), 1.0))
	}
	return reg
}

func newTestTask(t *testing.T, taskType domain.TaskType, priority domain.TaskPriority) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(taskType, json.RawMessage(`{"prompt":"x"}`), priority)
	require.NoError(t, err)
	return task
}

func receiveTask(t *testing.T, ch <-chan *domain.Task) *domain.Task {
	t.Helper()
	select {
	case task := <-ch:
		return task
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an admitted task")
		return nil
	}
}

func TestAdmitsInPriorityOrder(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, domain.TaskTypeImageGeneration)
	lim := limiter.New(testLogger())

	s := New(DefaultConfig(), reg, lim, nil, testLogger())

	low := newTestTask(t, domain.TaskTypeImageGeneration, domain.PriorityLow)
	urgent := newTestTask(t, domain.TaskTypeImageGeneration, domain.PriorityUrgent)
	medium := newTestTask(t, domain.TaskTypeImageGeneration, domain.PriorityMedium)

	s.Enqueue(low)
	s.Enqueue(urgent)
	s.Enqueue(medium)

	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Equal(t, urgent.ID, receiveTask(t, s.Next()).ID)
	assert.Equal(t, medium.ID, receiveTask(t, s.Next()).ID)
	assert.Equal(t, low.ID, receiveTask(t, s.Next()).ID)
}

func TestFIFOWithinBand(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, domain.TaskTypeImageGeneration)
	lim := limiter.New(testLogger())
	s := New(DefaultConfig(), reg, lim, nil, testLogger())

	first := newTestTask(t, domain.TaskTypeImageGeneration, domain.PriorityMedium)
	second := newTestTask(t, domain.TaskTypeImageGeneration, domain.PriorityMedium)
	second.EnqueuedAt = first.EnqueuedAt.Add(time.Millisecond)

	s.Enqueue(first)
	s.Enqueue(second)

	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Equal(t, first.ID, receiveTask(t, s.Next()).ID)
	assert.Equal(t, second.ID, receiveTask(t, s.Next()).ID)
}

func TestUnservableTaskDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	// Only image generation has a provider; the video task must be skipped
	// without holding up the image task behind it.
	reg := newTestRegistry(t, domain.TaskTypeImageGeneration)
	lim := limiter.New(testLogger())
	s := New(DefaultConfig(), reg, lim, nil, testLogger())

	video := newTestTask(t, domain.TaskTypeVideoGeneration, domain.PriorityUrgent)
	image := newTestTask(t, domain.TaskTypeImageGeneration, domain.PriorityLow)

	s.Enqueue(video)
	s.Enqueue(image)

	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Equal(t, image.ID, receiveTask(t, s.Next()).ID)
	assert.Equal(t, 1, s.QueueDepth(), "unservable task stays queued")
}

func TestExpiresTaskAfterMaxProviderWait(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t) // no providers at all
	lim := limiter.New(testLogger())

	expired := make(chan *domain.Task, 1)
	cfg := DefaultConfig()
	cfg.MaxProviderWait = 10 * time.Millisecond

	s := New(cfg, reg, lim, func(task *domain.Task) { expired <- task }, testLogger())

	task := newTestTask(t, domain.TaskTypeImageGeneration, domain.PriorityMedium)
	task.EnqueuedAt = time.Now().UTC().Add(-time.Minute)
	s.Enqueue(task)

	require.NoError(t, s.Start())
	defer s.Stop()

	select {
	case got := <-expired:
		assert.Equal(t, task.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for expiry callback")
	}
	assert.Zero(t, s.QueueDepth())
}

func TestScheduleRetryDelaysAdmission(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, domain.TaskTypeImageGeneration)
	lim := limiter.New(testLogger())
	s := New(DefaultConfig(), reg, lim, nil, testLogger())
	require.NoError(t, s.Start())
	defer s.Stop()

	task := newTestTask(t, domain.TaskTypeImageGeneration, domain.PriorityMedium)
	s.ScheduleRetry(task, 80*time.Millisecond)

	select {
	case <-s.Next():
		t.Fatal("task admitted before its backoff elapsed")
	case <-time.After(30 * time.Millisecond):
	}

	assert.Equal(t, task.ID, receiveTask(t, s.Next()).ID)
}

func TestRemoveCancelsWaitingTask(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, domain.TaskTypeImageGeneration)
	lim := limiter.New(testLogger())
	s := New(DefaultConfig(), reg, lim, nil, testLogger())

	ready := newTestTask(t, domain.TaskTypeImageGeneration, domain.PriorityMedium)
	delayed := newTestTask(t, domain.TaskTypeImageGeneration, domain.PriorityMedium)

	s.Enqueue(ready)
	s.ScheduleRetry(delayed, time.Hour)

	assert.True(t, s.Remove(ready.ID))
	assert.True(t, s.Remove(delayed.ID))
	assert.False(t, s.Remove(ready.ID), "already removed")
	assert.Zero(t, s.QueueDepth())
}

func TestThrottledProviderHoldsAdmission(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t, domain.TaskTypeImageGeneration)
	lim := limiter.New(testLogger())
	lim.Configure("test-provider", limiter.Limits{MaxConcurrent: 1})

	s := New(DefaultConfig(), reg, lim, nil, testLogger())
	require.NoError(t, s.Start())
	defer s.Stop()

	// Take the only slot; the task cannot be admitted.
	require.True(t, lim.TryAcquire("test-provider"))
	task := newTestTask(t, domain.TaskTypeImageGeneration, domain.PriorityMedium)
	s.Enqueue(task)

	select {
	case <-s.Next():
		t.Fatal("task admitted while provider budget was exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	lim.Release("test-provider")
	s.Wake()
	assert.Equal(t, task.ID, receiveTask(t, s.Next()).ID)
}

func TestAgingPassPromotesWaitingTasks(t *testing.T) {
	t.Parallel()
	reg := newTestRegistry(t) // no providers, so nothing is admitted
	lim := limiter.New(testLogger())

	cfg := DefaultConfig()
	cfg.AgingThreshold = time.Millisecond
	cfg.MaxProviderWait = time.Hour

	s := New(cfg, reg, lim, nil, testLogger())

	task := newTestTask(t, domain.TaskTypeImageGeneration, domain.PriorityLow)
	s.Enqueue(task)

	time.Sleep(5 * time.Millisecond)
	s.agingPass()

	s.mu.Lock()
	it := s.byID[task.ID]
	s.mu.Unlock()
	require.NotNil(t, it)
	assert.Equal(t, 1, it.promotions)
	assert.Equal(t, domain.PriorityMedium, it.effectivePriority())

	// Promotions never push past urgent.
	for i := 0; i < 10; i++ {
		time.Sleep(2 * time.Millisecond)
		s.agingPass()
	}
	assert.Equal(t, domain.PriorityUrgent, it.effectivePriority())
}
