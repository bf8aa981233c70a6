package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/store"
)

// TaskStore is an in-memory store.TaskStore. TransitionState applies the
// same compare-and-set rule as the postgres implementation: the write only
// happens when the task is still in one of the expected states, and the
// first terminal write wins.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task
	seqs  map[uuid.UUID]int64

	// Optional error injection, applied before the default behavior.
	CreateTaskFn      func(ctx context.Context, task *domain.Task) error
	TransitionStateFn func(ctx context.Context, id uuid.UUID, from []domain.TaskState, to domain.TaskState, update store.TaskUpdate) error

	// Transitions records every successful state change in order.
	Transitions []StateChange
}

// StateChange is one recorded TransitionState call.
type StateChange struct {
	TaskID uuid.UUID
	To     domain.TaskState
}

// NewTaskStore creates an empty in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[uuid.UUID]*domain.Task),
		seqs:  make(map[uuid.UUID]int64),
	}
}

func (s *TaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	if s.CreateTaskFn != nil {
		if err := s.CreateTaskFn(ctx, task); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return store.ErrDuplicate
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(task), nil
}

func (s *TaskStore) TransitionState(ctx context.Context, id uuid.UUID, from []domain.TaskState, to domain.TaskState, update store.TaskUpdate) error {
	if s.TransitionStateFn != nil {
		if err := s.TransitionStateFn(ctx, id, from, to, update); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	matched := false
	for _, state := range from {
		if task.State == state {
			matched = true
			break
		}
	}
	if !matched {
		return store.ErrStaleState
	}

	task.State = to
	task.UpdatedAt = time.Now().UTC()
	if update.Output != nil {
		task.Output = append([]byte(nil), update.Output...)
	}
	if update.ClearOutput {
		task.Output = nil
	}
	if update.LastError != nil {
		task.LastError = *update.LastError
	}
	if update.AssignedProvider != nil {
		task.AssignedProvider = *update.AssignedProvider
	}
	if update.AttemptCount != nil {
		task.AttemptCount = *update.AttemptCount
	}
	if update.Progress != nil {
		task.Progress = *update.Progress
	}
	if update.ProgressMessage != nil {
		task.ProgressMessage = *update.ProgressMessage
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		task.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		task.CompletedAt = &t
	}
	if to == domain.TaskStateQueued {
		task.EnqueuedAt = time.Now().UTC()
	}

	s.Transitions = append(s.Transitions, StateChange{TaskID: id, To: to})
	return nil
}

func (s *TaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, progress float64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if task.State != domain.TaskStateDispatched && task.State != domain.TaskStateProcessing {
		return store.ErrStaleState
	}
	if progress > 1 {
		progress = 1
	}
	if progress >= task.Progress {
		task.Progress = progress
		if message != "" {
			task.ProgressMessage = message
		}
	}
	return nil
}

func (s *TaskStore) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, task := range s.tasks {
		if filter.State != "" && task.State != filter.State {
			continue
		}
		if filter.Type != "" && task.Type != filter.Type {
			continue
		}
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *TaskStore) ListByStates(ctx context.Context, states ...domain.TaskState) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, task := range s.tasks {
		for _, state := range states {
			if task.State == state {
				out = append(out, cloneTask(task))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *TaskStore) CountTasks(ctx context.Context) (*store.TaskCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := &store.TaskCounts{
		ByState: make(map[domain.TaskState]int64),
		ByType:  make(map[domain.TaskType]int64),
	}
	for _, task := range s.tasks {
		counts.ByState[task.State]++
		counts.ByType[task.Type]++
	}
	return counts, nil
}

func (s *TaskStore) NextEventSeq(ctx context.Context, id uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return 0, store.ErrTaskNotFound
	}
	s.seqs[id]++
	return s.seqs[id], nil
}

func (s *TaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, task := range s.tasks {
		if !task.State.IsTerminal() {
			continue
		}
		if task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed, nil
}

// State returns the current state of a stored task, for assertions.
func (s *TaskStore) State(id uuid.UUID) domain.TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ""
	}
	return task.State
}

func cloneTask(task *domain.Task) *domain.Task {
	clone := *task
	if task.Input != nil {
		clone.Input = append([]byte(nil), task.Input...)
	}
	if task.Output != nil {
		clone.Output = append([]byte(nil), task.Output...)
	}
	if task.Metadata != nil {
		clone.Metadata = append([]byte(nil), task.Metadata...)
	}
	if task.BatchID != nil {
		id := *task.BatchID
		clone.BatchID = &id
	}
	if task.StartedAt != nil {
		t := *task.StartedAt
		clone.StartedAt = &t
	}
	if task.CompletedAt != nil {
		t := *task.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}
