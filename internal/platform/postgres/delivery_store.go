package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/platform/logger"
	"github.com/videoai/orchestrator/internal/store"
)

const deliveryColumns = `id, task_id, seq, event_type, url, secret, payload,
	attempt_count, delivered, failed_permanently, last_attempt_at, next_retry_at, created_at`

// PostgresDeliveryStore implements store.DeliveryStore using PostgreSQL.
type PostgresDeliveryStore struct {
	db store.DBTX
}

// NewPostgresDeliveryStore creates a new PostgresDeliveryStore.
func NewPostgresDeliveryStore(db store.DBTX) *PostgresDeliveryStore {
	return &PostgresDeliveryStore{db: db}
}

// CreateDelivery persists a pending webhook delivery.
func (s *PostgresDeliveryStore) CreateDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	log := logger.FromContext(ctx)

	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO webhook_deliveries (id, task_id, seq, event_type, url, secret, payload,
			attempt_count, delivered, failed_permanently, last_attempt_at, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.TaskID,
		d.Seq,
		d.EventType,
		d.URL,
		d.Secret,
		[]byte(d.Payload),
		d.AttemptCount,
		d.Delivered,
		d.FailedPermanently,
		d.LastAttemptAt,
		d.NextRetryAt,
		d.CreatedAt,
	)
	if err != nil {
		log.Error("failed to insert webhook delivery",
			"delivery_id", d.ID,
			"task_id", d.TaskID,
			"error", err)
		return MapError(err)
	}

	return nil
}

// DueDeliveries returns at most one due pending delivery per task: the one
// with the lowest seq. Later events for the same task stay held until the
// head of the line is delivered or abandoned, preserving per-task FIFO
// ordering.
func (s *PostgresDeliveryStore) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*domain.WebhookDelivery, error) {
	query := `
		SELECT DISTINCT ON (task_id) ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE NOT delivered AND NOT failed_permanently
		ORDER BY task_id, seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, MapError(err)
	}
	defer rows.Close()

	var due []*domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		// The head of a task's line may itself not be due yet; holding it
		// also holds everything behind it.
		if !d.NextRetryAt.After(now) {
			due = append(due, d)
		}
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	return due, nil
}

// RecordAttempt updates a delivery after one HTTP attempt.
func (s *PostgresDeliveryStore) RecordAttempt(ctx context.Context, id uuid.UUID, delivered bool, failedPermanently bool, nextRetryAt time.Time) error {
	query := `
		UPDATE webhook_deliveries
		SET attempt_count = attempt_count + 1,
			delivered = $1,
			failed_permanently = $2,
			last_attempt_at = $3,
			next_retry_at = $4
		WHERE id = $5
	`

	var next any
	if !nextRetryAt.IsZero() {
		next = nextRetryAt
	}

	result, err := s.db.ExecContext(ctx, query, delivered, failedPermanently, time.Now().UTC(), next, id)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, "webhook delivery")
}

// ListByTask returns all deliveries for a task in event order.
func (s *PostgresDeliveryStore) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE task_id = $1 ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, MapError(err)
	}
	defer rows.Close()

	var deliveries []*domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	return deliveries, nil
}

// DeleteFinishedBefore removes finished deliveries created before the
// cutoff.
func (s *PostgresDeliveryStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries
		 WHERE (delivered OR failed_permanently) AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, MapError(err)
	}
	return result.RowsAffected()
}

func scanDelivery(rows *sql.Rows) (*domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	var lastAttemptAt sql.NullTime
	var nextRetryAt sql.NullTime
	var payload []byte

	err := rows.Scan(
		&d.ID,
		&d.TaskID,
		&d.Seq,
		&d.EventType,
		&d.URL,
		&d.Secret,
		&payload,
		&d.AttemptCount,
		&d.Delivered,
		&d.FailedPermanently,
		&lastAttemptAt,
		&nextRetryAt,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Payload = payload
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		d.LastAttemptAt = &t
	}
	if nextRetryAt.Valid {
		d.NextRetryAt = nextRetryAt.Time
	}

	return &d, nil
}
