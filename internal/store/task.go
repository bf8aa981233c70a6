package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/videoai/orchestrator/internal/domain"
)

// TaskUpdate carries the optional field changes applied together with a
// state transition. Nil pointers leave the stored value untouched.
type TaskUpdate struct {
	Output           []byte
	ClearOutput      bool
	LastError        *string
	AssignedProvider *string
	AttemptCount     *int
	Progress         *float64
	ProgressMessage  *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// TaskFilter narrows ListTasks results. Zero values mean "no constraint".
type TaskFilter struct {
	State  domain.TaskState
	Type   domain.TaskType
	Limit  int
	Offset int
}

// TaskCounts aggregates tasks by state and by type for the stats endpoint.
type TaskCounts struct {
	ByState map[domain.TaskState]int64
	ByType  map[domain.TaskType]int64
}

// TaskStore persists tasks and serializes concurrent writes to the same
// task through conditional state updates. It is the single source of truth
// for task state.
type TaskStore interface {
	// CreateTask persists a new task in its initial state.
	CreateTask(ctx context.Context, task *domain.Task) error

	// GetTask returns the task with the given ID, or ErrTaskNotFound.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// TransitionState atomically moves the task from one of the expected
	// states to the target state, applying the update in the same write.
	// It returns ErrStaleState when the task is no longer in any expected
	// state, which callers use to resolve completion/cancellation races:
	// the first terminal write wins.
	TransitionState(ctx context.Context, id uuid.UUID, from []domain.TaskState, to domain.TaskState, update TaskUpdate) error

	// UpdateProgress records a progress value for a processing task.
	// Implementations must apply it monotonically: a value lower than the
	// stored progress is ignored. Reports for tasks outside the active
	// states return ErrStaleState.
	UpdateProgress(ctx context.Context, id uuid.UUID, progress float64, message string) error

	// ListTasks returns tasks matching the filter, newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)

	// ListByStates returns all tasks currently in any of the given states,
	// oldest first. Used for startup recovery.
	ListByStates(ctx context.Context, states ...domain.TaskState) ([]*domain.Task, error)

	// CountTasks aggregates task counts for the statistics endpoint.
	CountTasks(ctx context.Context) (*TaskCounts, error)

	// NextEventSeq atomically increments and returns the task's webhook
	// event sequence counter, preserving per-task FIFO ordering across
	// restarts.
	NextEventSeq(ctx context.Context, id uuid.UUID) (int64, error)

	// DeleteTerminalBefore removes terminal tasks whose completion is older
	// than the cutoff. Returns the number of rows removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
