package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/videoai/orchestrator/internal/domain"
)

// DeliveryStore persists webhook deliveries and their attempt history.
type DeliveryStore interface {
	// CreateDelivery persists a pending delivery.
	CreateDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error

	// DueDeliveries returns pending deliveries whose next retry time has
	// passed, ordered by (task_id, seq) so the notifier can enforce
	// per-task FIFO delivery.
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*domain.WebhookDelivery, error)

	// RecordAttempt updates a delivery after one HTTP attempt.
	RecordAttempt(ctx context.Context, id uuid.UUID, delivered bool, failedPermanently bool, nextRetryAt time.Time) error

	// ListByTask returns all deliveries for a task ordered by seq, for the
	// task status surface.
	ListByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.WebhookDelivery, error)

	// DeleteFinishedBefore removes delivered or permanently failed
	// deliveries created before the cutoff. Returns rows removed.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
