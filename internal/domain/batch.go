package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common validation errors for Batch
var (
	ErrEmptyBatchID = errors.New("batch ID cannot be empty")
	ErrEmptyBatch   = errors.New("batch must contain at least one task")
)

// BatchStatus is the derived state of a batch.
type BatchStatus string

const (
	// BatchStatusPending means at least one child task is not yet terminal.
	BatchStatusPending BatchStatus = "pending"
	// BatchStatusCompleted means every child task reached a terminal state,
	// regardless of individual outcomes.
	BatchStatusCompleted BatchStatus = "completed"
)

// Batch groups tasks submitted in one request. It is a grouping view only:
// the tasks execute independently and the batch carries no state machine of
// its own.
type Batch struct {
	ID        uuid.UUID   `json:"id"`
	TaskIDs   []uuid.UUID `json:"task_ids"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewBatch creates a Batch over the given ordered task IDs.
func NewBatch(taskIDs []uuid.UUID) (*Batch, error) {
	batch := &Batch{
		ID:        uuid.New(),
		TaskIDs:   taskIDs,
		CreatedAt: time.Now().UTC(),
	}

	if err := batch.Validate(); err != nil {
		return nil, err
	}

	return batch, nil
}

// Validate checks if the Batch has valid data.
func (b *Batch) Validate() error {
	if b.ID == uuid.Nil {
		return ErrEmptyBatchID
	}

	if len(b.TaskIDs) == 0 {
		return ErrEmptyBatch
	}

	return nil
}

// DeriveBatchStatus computes the batch status from its child task states.
func DeriveBatchStatus(states []TaskState) BatchStatus {
	for _, s := range states {
		if !s.IsTerminal() {
			return BatchStatusPending
		}
	}
	return BatchStatusCompleted
}
