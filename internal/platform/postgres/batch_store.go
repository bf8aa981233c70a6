package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/platform/logger"
	"github.com/videoai/orchestrator/internal/store"
)

// PostgresBatchStore implements store.BatchStore using PostgreSQL. Task
// membership lives on the tasks table (batch_id column); the batches table
// only records the grouping and its submission time.
type PostgresBatchStore struct {
	db store.DBTX
}

// NewPostgresBatchStore creates a new PostgresBatchStore.
func NewPostgresBatchStore(db store.DBTX) *PostgresBatchStore {
	return &PostgresBatchStore{db: db}
}

// WithTx returns a store bound to the given transaction.
func (s *PostgresBatchStore) WithTx(tx *sql.Tx) *PostgresBatchStore {
	return &PostgresBatchStore{db: tx}
}

// CreateBatch persists the batch record.
func (s *PostgresBatchStore) CreateBatch(ctx context.Context, batch *domain.Batch) error {
	log := logger.FromContext(ctx)

	if err := batch.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, created_at) VALUES ($1, $2)`,
		batch.ID, batch.CreatedAt,
	)
	if err != nil {
		log.Error("failed to insert batch", "batch_id", batch.ID, "error", err)
		return MapError(err)
	}

	return nil
}

// GetBatch returns the batch with its member task IDs in submission order.
func (s *PostgresBatchStore) GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	batch := &domain.Batch{ID: id}

	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM batches WHERE id = $1`, id,
	).Scan(&batch.CreatedAt)
	if err != nil {
		if IsNotFoundError(MapError(err)) {
			return nil, fmt.Errorf("%w: %s", store.ErrBatchNotFound, id)
		}
		return nil, MapError(err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM tasks WHERE batch_id = $1 ORDER BY created_at ASC, id ASC`, id,
	)
	if err != nil {
		return nil, MapError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID uuid.UUID
		if err := rows.Scan(&taskID); err != nil {
			return nil, fmt.Errorf("failed to scan batch task ID: %w", err)
		}
		batch.TaskIDs = append(batch.TaskIDs, taskID)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	return batch, nil
}

// GetBatchTaskStates returns the states of the batch's member tasks.
func (s *PostgresBatchStore) GetBatchTaskStates(ctx context.Context, id uuid.UUID) ([]domain.TaskState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state FROM tasks WHERE batch_id = $1 ORDER BY created_at ASC, id ASC`, id,
	)
	if err != nil {
		return nil, MapError(err)
	}
	defer rows.Close()

	var states []domain.TaskState
	for rows.Next() {
		var state domain.TaskState
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("failed to scan batch task state: %w", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	return states, nil
}
