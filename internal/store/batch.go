package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/videoai/orchestrator/internal/domain"
)

// BatchStore persists batch groupings. Batch status is never stored: it is
// derived from the child tasks at read time, avoiding a second source of
// truth.
type BatchStore interface {
	// CreateBatch persists the batch record and its task membership.
	CreateBatch(ctx context.Context, batch *domain.Batch) error

	// GetBatch returns the batch with the given ID, or ErrBatchNotFound.
	GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error)

	// GetBatchTaskStates returns the states of the batch's child tasks in
	// membership order.
	GetBatchTaskStates(ctx context.Context, id uuid.UUID) ([]domain.TaskState, error)
}
