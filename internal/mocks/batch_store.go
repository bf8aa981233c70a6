package mocks

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/store"
)

// BatchStore is an in-memory store.BatchStore. It resolves child task
// states through the given TaskStore, mirroring how the postgres
// implementation derives them from the tasks table.
type BatchStore struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*domain.Batch
	tasks   *TaskStore
}

// NewBatchStore creates an empty in-memory batch store backed by the given
// task store.
func NewBatchStore(tasks *TaskStore) *BatchStore {
	return &BatchStore{
		batches: make(map[uuid.UUID]*domain.Batch),
		tasks:   tasks,
	}
}

func (s *BatchStore) CreateBatch(ctx context.Context, batch *domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; ok {
		return store.ErrDuplicate
	}
	clone := *batch
	clone.TaskIDs = append([]uuid.UUID(nil), batch.TaskIDs...)
	s.batches[batch.ID] = &clone
	return nil
}

func (s *BatchStore) GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.batches[id]
	if !ok {
		return nil, store.ErrBatchNotFound
	}
	clone := *batch
	clone.TaskIDs = append([]uuid.UUID(nil), batch.TaskIDs...)
	return &clone, nil
}

func (s *BatchStore) GetBatchTaskStates(ctx context.Context, id uuid.UUID) ([]domain.TaskState, error) {
	batch, err := s.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	states := make([]domain.TaskState, 0, len(batch.TaskIDs))
	for _, taskID := range batch.TaskIDs {
		task, err := s.tasks.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		states = append(states, task.State)
	}
	return states, nil
}
