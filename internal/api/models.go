package api

import (
	"encoding/json"
	"time"

	"github.com/videoai/orchestrator/internal/domain"
)

// CreateTaskRequest represents the request body for submitting a task.
type CreateTaskRequest struct {
	Type          string          `json:"type" validate:"required"`
	Input         json.RawMessage `json:"input" validate:"required"`
	Priority      string          `json:"priority,omitempty" validate:"omitempty,oneof=low medium high urgent"`
	MaxRetries    *int            `json:"max_retries,omitempty" validate:"omitempty,min=0,max=10"`
	WebhookURL    string          `json:"webhook_url,omitempty" validate:"omitempty,url"`
	WebhookSecret string          `json:"webhook_secret,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// CreateBatchRequest represents the request body for submitting a batch of
// tasks.
type CreateBatchRequest struct {
	Tasks []CreateTaskRequest `json:"tasks" validate:"required,min=1,dive"`
}

// TaskResponse represents the response data for a task.
type TaskResponse struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	State            string          `json:"state"`
	Priority         string          `json:"priority"`
	Progress         float64         `json:"progress"`
	ProgressMessage  string          `json:"progress_message,omitempty"`
	Output           json.RawMessage `json:"output,omitempty"`
	Error            string          `json:"error,omitempty"`
	AttemptCount     int             `json:"attempt_count"`
	MaxRetries       int             `json:"max_retries"`
	AssignedProvider string          `json:"assigned_provider,omitempty"`
	BatchID          string          `json:"batch_id,omitempty"`
	EnqueuedAt       time.Time       `json:"enqueued_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// DeliveryResponse summarizes one webhook delivery for the status surface.
type DeliveryResponse struct {
	ID            string     `json:"id"`
	EventType     string     `json:"event_type"`
	AttemptCount  int        `json:"attempt_count"`
	Delivered     bool       `json:"delivered"`
	Failed        bool       `json:"failed"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// TaskStatusResponse is the full status view of one task.
type TaskStatusResponse struct {
	TaskResponse
	Deliveries []DeliveryResponse `json:"webhook_deliveries,omitempty"`
}

// BatchResponse represents the response data for a batch.
type BatchResponse struct {
	ID         string           `json:"id"`
	Status     string           `json:"status"`
	TaskIDs    []string         `json:"task_ids"`
	TaskCounts map[string]int64 `json:"task_counts,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// ProviderResponse represents one registered provider and its rolling
// statistics.
type ProviderResponse struct {
	ID                  string     `json:"id"`
	MediaTypes          []string   `json:"media_types"`
	Health              string     `json:"health"`
	CreditBalance       *float64   `json:"credit_balance,omitempty"`
	CostPerUnit         float64    `json:"cost_per_unit"`
	AvgLatencyMs        int64      `json:"avg_latency_ms"`
	SuccessRate         float64    `json:"success_rate"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
}

// newTaskResponse converts a domain task to its API representation.
func newTaskResponse(task *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:               task.ID.String(),
		Type:             string(task.Type),
		State:            string(task.State),
		Priority:         task.Priority.String(),
		Progress:         task.Progress,
		ProgressMessage:  task.ProgressMessage,
		Output:           task.Output,
		Error:            task.LastError,
		AttemptCount:     task.AttemptCount,
		MaxRetries:       task.MaxRetries,
		AssignedProvider: task.AssignedProvider,
		EnqueuedAt:       task.EnqueuedAt,
		StartedAt:        task.StartedAt,
		CompletedAt:      task.CompletedAt,
		CreatedAt:        task.CreatedAt,
		UpdatedAt:        task.UpdatedAt,
	}
	if task.BatchID != nil {
		resp.BatchID = task.BatchID.String()
	}
	return resp
}

// newProviderResponse converts a provider snapshot to its API
// representation.
func newProviderResponse(p domain.Provider) ProviderResponse {
	mediaTypes := make([]string, len(p.MediaTypes))
	for i, mt := range p.MediaTypes {
		mediaTypes[i] = string(mt)
	}
	return ProviderResponse{
		ID:                  p.ID,
		MediaTypes:          mediaTypes,
		Health:              string(p.Health),
		CreditBalance:       p.CreditBalance,
		CostPerUnit:         p.CostPerUnit,
		AvgLatencyMs:        p.AvgLatency.Milliseconds(),
		SuccessRate:         p.SuccessRate,
		ConsecutiveFailures: p.ConsecutiveFailures,
		CooldownUntil:       p.CooldownUntil,
	}
}
