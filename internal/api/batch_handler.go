package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/videoai/orchestrator/internal/api/shared"
	"github.com/videoai/orchestrator/internal/batch"
	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/service"
)

// BatchHandler handles batch-related HTTP requests.
type BatchHandler struct {
	coordinator *batch.Coordinator
	validator   *validator.Validate
}

// NewBatchHandler creates a new BatchHandler.
func NewBatchHandler(coordinator *batch.Coordinator) *BatchHandler {
	return &BatchHandler{
		coordinator: coordinator,
		validator:   validator.New(),
	}
}

// CreateBatch handles POST /api/batches requests.
func (h *BatchHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	requests := make([]service.CreateTaskRequest, len(req.Tasks))
	for i, t := range req.Tasks {
		requests[i] = service.CreateTaskRequest{
			Type:          domain.TaskType(t.Type),
			Input:         t.Input,
			Priority:      t.Priority,
			MaxRetries:    t.MaxRetries,
			WebhookURL:    t.WebhookURL,
			WebhookSecret: t.WebhookSecret,
			Metadata:      t.Metadata,
		}
	}

	group, tasks, err := h.coordinator.Submit(r.Context(), requests)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	taskIDs := make([]string, len(tasks))
	for i, t := range tasks {
		taskIDs[i] = t.ID.String()
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, BatchResponse{
		ID:        group.ID.String(),
		Status:    string(domain.BatchStatusPending),
		TaskIDs:   taskIDs,
		CreatedAt: group.CreatedAt,
	})
}

// GetBatch handles GET /api/batches/{id} requests.
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	status, err := h.coordinator.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	taskIDs := make([]string, len(status.Batch.TaskIDs))
	for i, taskID := range status.Batch.TaskIDs {
		taskIDs[i] = taskID.String()
	}
	counts := make(map[string]int64, len(status.Counts))
	for state, n := range status.Counts {
		counts[string(state)] = n
	}

	shared.RespondWithJSON(w, r, http.StatusOK, BatchResponse{
		ID:         status.Batch.ID.String(),
		Status:     string(status.Status),
		TaskIDs:    taskIDs,
		TaskCounts: counts,
		CreatedAt:  status.Batch.CreatedAt,
	})
}
