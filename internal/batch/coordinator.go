// Package batch groups related task submissions. A batch is a grouping
// view only: its tasks are scheduled and executed independently, and the
// batch status is derived from the child task states at read time.
package batch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/scheduler"
	"github.com/videoai/orchestrator/internal/service"
	"github.com/videoai/orchestrator/internal/store"
)

// MaxBatchSize bounds the number of tasks in one batch submission.
const MaxBatchSize = 100

// TxStores builds transaction-scoped task and batch stores so batch
// submission lands atomically.
type TxStores func(tx *sql.Tx) (store.TaskStore, store.BatchStore)

// Status is the derived view of a batch returned to callers.
type Status struct {
	Batch  *domain.Batch              `json:"batch"`
	Status domain.BatchStatus         `json:"status"`
	Counts map[domain.TaskState]int64 `json:"task_counts"`
}

// Coordinator handles batch submission and status derivation.
type Coordinator struct {
	db       *sql.DB
	txStores TxStores
	batches  store.BatchStore
	sched    *scheduler.Scheduler
	notifier service.Notifier
	logger   *slog.Logger
}

// New creates a Coordinator. The notifier may be nil.
func New(
	db *sql.DB,
	txStores TxStores,
	batches store.BatchStore,
	sched *scheduler.Scheduler,
	notifier service.Notifier,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		db:       db,
		txStores: txStores,
		batches:  batches,
		sched:    sched,
		notifier: notifier,
		logger:   logger.With("component", "batch"),
	}
}

// Submit validates every request, then persists the batch and all child
// tasks in one transaction. A single invalid request rejects the whole
// submission; nothing is partially accepted. Tasks reach the scheduler
// only after the transaction commits.
func (c *Coordinator) Submit(ctx context.Context, requests []service.CreateTaskRequest) (*domain.Batch, []*domain.Task, error) {
	if len(requests) == 0 {
		return nil, nil, fmt.Errorf("%w: empty batch", domain.ErrValidation)
	}
	if len(requests) > MaxBatchSize {
		return nil, nil, fmt.Errorf("%w: %d tasks, maximum %d", domain.ErrBatchTooLarge, len(requests), MaxBatchSize)
	}

	tasks := make([]*domain.Task, 0, len(requests))
	for i, req := range requests {
		priority, err := domain.ParsePriority(req.Priority)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: task %d: %v", domain.ErrValidation, i, err)
		}
		if err := service.ValidateInput(req.Type, req.Input); err != nil {
			return nil, nil, fmt.Errorf("task %d: %w", i, err)
		}

		task, err := domain.NewTask(req.Type, req.Input, priority)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: task %d: %v", domain.ErrValidation, i, err)
		}
		task.WebhookURL = req.WebhookURL
		task.WebhookSecret = req.WebhookSecret
		task.Metadata = req.Metadata
		if req.MaxRetries != nil && *req.MaxRetries >= 0 {
			task.MaxRetries = *req.MaxRetries
		}
		tasks = append(tasks, task)
	}

	taskIDs := make([]uuid.UUID, len(tasks))
	for i, t := range tasks {
		taskIDs[i] = t.ID
	}
	group, err := domain.NewBatch(taskIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	for _, t := range tasks {
		id := group.ID
		t.BatchID = &id
	}

	err = store.RunInTransaction(ctx, c.db, func(ctx context.Context, tx *sql.Tx) error {
		taskStore, batchStore := c.txStores(tx)
		if err := batchStore.CreateBatch(ctx, group); err != nil {
			return fmt.Errorf("failed to create batch: %w", err)
		}
		for _, t := range tasks {
			if err := taskStore.CreateTask(ctx, t); err != nil {
				return fmt.Errorf("failed to create batch task %s: %w", t.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	c.logger.Info("batch submitted", "batch_id", group.ID, "task_count", len(tasks))

	for _, t := range tasks {
		if c.notifier != nil {
			c.notifier.Notify(ctx, t, domain.EventTaskQueued)
		}
		c.sched.Enqueue(t)
	}

	return group, tasks, nil
}

// Get returns the batch with its derived status and per-state task counts.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*Status, error) {
	group, err := c.batches.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}

	states, err := c.batches.GetBatchTaskStates(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch task states: %w", err)
	}

	counts := make(map[domain.TaskState]int64, len(states))
	for _, s := range states {
		counts[s]++
	}

	return &Status{
		Batch:  group,
		Status: domain.DeriveBatchStatus(states),
		Counts: counts,
	}, nil
}
