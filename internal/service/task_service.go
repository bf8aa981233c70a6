package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/scheduler"
	"github.com/videoai/orchestrator/internal/store"
)

// Notifier emits task lifecycle events for webhook delivery.
type Notifier interface {
	Notify(ctx context.Context, task *domain.Task, event domain.WebhookEventType)
}

// CreateTaskRequest carries the caller-supplied fields for a new task.
type CreateTaskRequest struct {
	Type          domain.TaskType
	Input         json.RawMessage
	Priority      string
	MaxRetries    *int
	WebhookURL    string
	WebhookSecret string
	Metadata      json.RawMessage
}

// TaskStatus is the full status view of one task, including its delivery
// history when webhooks are configured.
type TaskStatus struct {
	Task       *domain.Task              `json:"task"`
	Deliveries []*domain.WebhookDelivery `json:"webhook_deliveries,omitempty"`
}

// Stats aggregates queue and task counters for the statistics endpoint.
type Stats struct {
	QueueDepth int64                      `json:"queue_depth"`
	ByState    map[domain.TaskState]int64 `json:"tasks_by_state"`
	ByType     map[domain.TaskType]int64  `json:"tasks_by_type"`
}

// TaskService implements the task lifecycle operations behind the API:
// submission, status, cancellation, manual retry, listing, and startup
// recovery.
type TaskService struct {
	tasks      store.TaskStore
	deliveries store.DeliveryStore
	sched      *scheduler.Scheduler
	notifier   Notifier
	logger     *slog.Logger
}

// NewTaskService creates a TaskService. The notifier may be nil.
func NewTaskService(
	tasks store.TaskStore,
	deliveries store.DeliveryStore,
	sched *scheduler.Scheduler,
	notifier Notifier,
	logger *slog.Logger,
) *TaskService {
	return &TaskService{
		tasks:      tasks,
		deliveries: deliveries,
		sched:      sched,
		notifier:   notifier,
		logger:     logger.With("component", "task_service"),
	}
}

// Create validates the request, persists the task in the queued state and
// hands it to the scheduler.
func (s *TaskService) Create(ctx context.Context, req CreateTaskRequest) (*domain.Task, error) {
	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	if err := ValidateInput(req.Type, req.Input); err != nil {
		return nil, err
	}

	if req.WebhookURL != "" {
		if !strings.HasPrefix(req.WebhookURL, "http://") && !strings.HasPrefix(req.WebhookURL, "https://") {
			return nil, fmt.Errorf("%w: %v", domain.ErrValidation, domain.ErrInvalidWebhookURL)
		}
		if len(req.WebhookSecret) < 16 {
			return nil, fmt.Errorf("%w: %v", domain.ErrValidation, domain.ErrShortWebhookSecret)
		}
	}

	task, err := domain.NewTask(req.Type, req.Input, priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	task.WebhookURL = req.WebhookURL
	task.WebhookSecret = req.WebhookSecret
	task.Metadata = req.Metadata
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		task.MaxRetries = *req.MaxRetries
	}

	if err := s.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.logger.Info("task created",
		"task_id", task.ID,
		"task_type", task.Type,
		"priority", task.Priority.String())

	s.notify(ctx, task, domain.EventTaskQueued)
	s.sched.Enqueue(task)

	return task, nil
}

// Get returns the task with its webhook delivery history.
func (s *TaskService) Get(ctx context.Context, id uuid.UUID) (*TaskStatus, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	status := &TaskStatus{Task: task}
	if task.WebhookURL != "" {
		deliveries, err := s.deliveries.ListByTask(ctx, id)
		if err != nil {
			s.logger.Warn("failed to load delivery history", "task_id", id, "error", err)
		} else {
			status.Deliveries = deliveries
		}
	}

	return status, nil
}

// Cancel requests cancellation of a task. Cancelling an already terminal
// task returns ErrTooLate and the stored result stands. A task whose
// attempt is mid-flight is marked cancelled; the dispatcher discards the
// provider result when it loses the terminal-write race.
func (s *TaskService) Cancel(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.IsTerminal() {
		return nil, fmt.Errorf("%w: task is %s", domain.ErrTooLate, task.State)
	}

	completedAt := time.Now().UTC()
	err = s.tasks.TransitionState(ctx, id,
		[]domain.TaskState{domain.TaskStateQueued, domain.TaskStateDispatched, domain.TaskStateProcessing},
		domain.TaskStateCancelled,
		store.TaskUpdate{CompletedAt: &completedAt},
	)
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			// Lost the race against a terminal write.
			return nil, fmt.Errorf("%w: task finished first", domain.ErrTooLate)
		}
		return nil, fmt.Errorf("failed to cancel task: %w", err)
	}

	s.sched.Remove(id)

	task.State = domain.TaskStateCancelled
	task.CompletedAt = &completedAt

	s.logger.Info("task cancelled", "task_id", id)
	s.notify(ctx, task, domain.EventTaskCancelled)

	return task, nil
}

// Retry re-queues a failed task with a fresh attempt budget. Only tasks in
// the failed state are retryable; this is the one sanctioned exit from a
// terminal state, and it requires an explicit caller request.
func (s *TaskService) Retry(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.State != domain.TaskStateFailed {
		return nil, fmt.Errorf("%w: task is %s", domain.ErrNotRetryable, task.State)
	}

	zero := 0
	zeroProgress := 0.0
	noError := ""
	err = s.tasks.TransitionState(ctx, id,
		[]domain.TaskState{domain.TaskStateFailed},
		domain.TaskStateQueued,
		store.TaskUpdate{
			ClearOutput:     true,
			AttemptCount:    &zero,
			Progress:        &zeroProgress,
			ProgressMessage: &noError,
			LastError:       &noError,
		},
	)
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, fmt.Errorf("%w: task is no longer failed", domain.ErrNotRetryable)
		}
		return nil, fmt.Errorf("failed to retry task: %w", err)
	}

	task.State = domain.TaskStateQueued
	task.AttemptCount = 0
	task.Progress = 0
	task.ProgressMessage = ""
	task.LastError = ""
	task.Output = nil
	task.EnqueuedAt = time.Now().UTC()

	s.logger.Info("task re-queued for retry", "task_id", id)
	s.notify(ctx, task, domain.EventTaskQueued)
	s.sched.Enqueue(task)

	return task, nil
}

// List returns tasks matching the filter, newest first.
func (s *TaskService) List(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.tasks.ListTasks(ctx, filter)
}

// Stats returns aggregate task counters plus the live queue depth.
func (s *TaskService) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.tasks.CountTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	return &Stats{
		QueueDepth: int64(s.sched.QueueDepth()),
		ByState:    counts.ByState,
		ByType:     counts.ByType,
	}, nil
}

// Recover re-queues tasks stranded in dispatched or processing by an
// unclean shutdown, then reloads all queued tasks into the scheduler.
// Called once at startup before the dispatcher starts.
func (s *TaskService) Recover(ctx context.Context) error {
	stranded, err := s.tasks.ListByStates(ctx, domain.TaskStateDispatched, domain.TaskStateProcessing)
	if err != nil {
		return fmt.Errorf("failed to list stranded tasks: %w", err)
	}

	for _, task := range stranded {
		reason := "interrupted by restart"
		err := s.tasks.TransitionState(ctx, task.ID,
			[]domain.TaskState{domain.TaskStateDispatched, domain.TaskStateProcessing},
			domain.TaskStateQueued,
			store.TaskUpdate{LastError: &reason},
		)
		if err != nil {
			s.logger.Warn("failed to recover stranded task", "task_id", task.ID, "error", err)
		}
	}

	queued, err := s.tasks.ListByStates(ctx, domain.TaskStateQueued)
	if err != nil {
		return fmt.Errorf("failed to list queued tasks: %w", err)
	}
	for _, task := range queued {
		s.sched.Enqueue(task)
	}

	s.logger.Info("task recovery finished",
		"stranded", len(stranded),
		"requeued", len(queued))
	return nil
}

// ExpireUnschedulable fails a task that waited longer than the configured
// bound without any eligible provider. Wired into the scheduler as its
// expiry callback.
func (s *TaskService) ExpireUnschedulable(task *domain.Task) {
	ctx := context.Background()
	reason := domain.ErrNoProviderAvailable.Error()
	completedAt := time.Now().UTC()

	err := s.tasks.TransitionState(ctx, task.ID,
		[]domain.TaskState{domain.TaskStateQueued},
		domain.TaskStateFailed,
		store.TaskUpdate{LastError: &reason, CompletedAt: &completedAt},
	)
	if err != nil {
		if !errors.Is(err, store.ErrStaleState) {
			s.logger.Error("failed to expire unschedulable task", "task_id", task.ID, "error", err)
		}
		return
	}

	s.logger.Warn("task expired without eligible provider",
		"task_id", task.ID,
		"task_type", task.Type)

	task.State = domain.TaskStateFailed
	task.LastError = reason
	task.CompletedAt = &completedAt
	s.notify(ctx, task, domain.EventTaskFailed)
}

func (s *TaskService) notify(ctx context.Context, task *domain.Task, event domain.WebhookEventType) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, task, event)
}
