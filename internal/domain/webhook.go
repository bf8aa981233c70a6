package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// WebhookEventType identifies the task lifecycle event a delivery carries.
type WebhookEventType string

// Webhook event types, one per observable task transition plus progress.
const (
	EventTaskQueued     WebhookEventType = "task.queued"
	EventTaskDispatched WebhookEventType = "task.dispatched"
	EventTaskProcessing WebhookEventType = "task.processing"
	EventTaskProgress   WebhookEventType = "task.progress"
	EventTaskCompleted  WebhookEventType = "task.completed"
	EventTaskFailed     WebhookEventType = "task.failed"
	EventTaskCancelled  WebhookEventType = "task.cancelled"
)

// Common validation errors for WebhookDelivery
var (
	ErrEmptyDeliveryID  = errors.New("delivery ID cannot be empty")
	ErrEmptyDeliveryURL = errors.New("delivery URL cannot be empty")
)

// WebhookDelivery records one pending or attempted notification. Deliveries
// for the same task are ordered by Seq and delivered FIFO; cross-task
// ordering is not guaranteed.
type WebhookDelivery struct {
	ID                uuid.UUID        `json:"id"`
	TaskID            uuid.UUID        `json:"task_id"`
	Seq               int64            `json:"seq"`
	EventType         WebhookEventType `json:"event_type"`
	URL               string           `json:"url"`
	Secret            string           `json:"-"`
	Payload           json.RawMessage  `json:"payload"`
	AttemptCount      int              `json:"attempt_count"`
	Delivered         bool             `json:"delivered"`
	FailedPermanently bool             `json:"failed_permanently"`
	LastAttemptAt     *time.Time       `json:"last_attempt_at,omitempty"`
	NextRetryAt       time.Time        `json:"next_retry_at"`
	CreatedAt         time.Time        `json:"created_at"`
}

// NewWebhookDelivery creates a pending delivery for the given task event.
// Seq must be assigned by the caller from the task's event counter so
// per-task FIFO ordering survives restarts.
func NewWebhookDelivery(taskID uuid.UUID, seq int64, event WebhookEventType, url, secret string, payload json.RawMessage) (*WebhookDelivery, error) {
	now := time.Now().UTC()
	d := &WebhookDelivery{
		ID:          uuid.New(),
		TaskID:      taskID,
		Seq:         seq,
		EventType:   event,
		URL:         url,
		Secret:      secret,
		Payload:     payload,
		NextRetryAt: now,
		CreatedAt:   now,
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}

	return d, nil
}

// Validate checks if the WebhookDelivery has valid data.
func (d *WebhookDelivery) Validate() error {
	if d.ID == uuid.Nil {
		return ErrEmptyDeliveryID
	}

	if d.URL == "" {
		return ErrEmptyDeliveryURL
	}

	return nil
}

// Pending reports whether the delivery still needs an attempt.
func (d *WebhookDelivery) Pending() bool {
	return !d.Delivered && !d.FailedPermanently
}

// WebhookPayload is the body POSTed to the caller's webhook URL.
type WebhookPayload struct {
	EventType WebhookEventType   `json:"event_type"`
	TaskID    uuid.UUID          `json:"task_id"`
	Timestamp time.Time          `json:"timestamp"`
	Data      WebhookPayloadData `json:"data"`
}

// WebhookPayloadData carries the task snapshot inside a webhook payload.
type WebhookPayloadData struct {
	Status   TaskState       `json:"status"`
	Progress float64         `json:"progress"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// EventForState maps a task state to the webhook event announcing it.
func EventForState(state TaskState) WebhookEventType {
	switch state {
	case TaskStateQueued:
		return EventTaskQueued
	case TaskStateDispatched:
		return EventTaskDispatched
	case TaskStateProcessing:
		return EventTaskProcessing
	case TaskStateCompleted:
		return EventTaskCompleted
	case TaskStateFailed:
		return EventTaskFailed
	case TaskStateCancelled:
		return EventTaskCancelled
	}
	return EventTaskProgress
}
