package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/limiter"
	"github.com/videoai/orchestrator/internal/mocks"
	"github.com/videoai/orchestrator/internal/registry"
	"github.com/videoai/orchestrator/internal/scheduler"
	"github.com/videoai/orchestrator/internal/service"
	"github.com/videoai/orchestrator/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type apiFixture struct {
	tasks  *mocks.TaskStore
	svc    *service.TaskService
	router *chi.Mux
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	tasks := mocks.NewTaskStore()
	deliveries := mocks.NewDeliveryStore()
	reg := registry.New(registry.DefaultConfig(), nil, testLogger())
	lim := limiter.New(testLogger())
	sched := scheduler.New(scheduler.DefaultConfig(), reg, lim, nil, testLogger())
	svc := service.NewTaskService(tasks, deliveries, sched, nil, testLogger())

	handler := NewTaskHandler(svc)
	router := chi.NewRouter()
	router.Post("/api/tasks", handler.CreateTask)
	router.Get("/api/tasks", handler.ListTasks)
	router.Get("/api/tasks/{id}", handler.GetTask)
	router.Post("/api/tasks/{id}/cancel", handler.CancelTask)
	router.Post("/api/tasks/{id}/retry", handler.RetryTask)
	router.Get("/api/stats", handler.GetStats)

	return &apiFixture{tasks: tasks, svc: svc, router: router}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateTaskEndpoint(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"type":     "image_generation",
		"input":    map[string]any{"prompt": "a lighthouse"},
		"priority": "high",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "image_generation", resp.Type)
	assert.Equal(t, "queued", resp.State)
	assert.Equal(t, "high", resp.Priority)
}

func TestCreateTaskEndpointRejectsBadRequests(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	// Unknown task type.
	rec := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"type":  "hologram",
		"input": map[string]any{"prompt": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Input payload failing the per-type schema.
	rec = f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"type":  "image_generation",
		"input": map[string]any{"width": 512},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed body.
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader([]byte(`{"type":`)))
	rec2 := httptest.NewRecorder()
	f.router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestGetTaskEndpoint(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	created, err := f.svc.Create(context.Background(), service.CreateTaskRequest{
		Type:  domain.TaskTypeImageGeneration,
		Input: json.RawMessage(`{"prompt":"x"}`),
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/tasks/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TaskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, created.ID.String(), resp.ID)

	// Unknown ID
	rec = f.do(t, http.MethodGet, "/api/tasks/00000000-0000-0000-0000-000000000001", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Malformed ID
	rec = f.do(t, http.MethodGet, "/api/tasks/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelTaskEndpoint(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, service.CreateTaskRequest{
		Type:  domain.TaskTypeImageGeneration,
		Input: json.RawMessage(`{"prompt":"x"}`),
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/tasks/"+created.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cancelled", resp.State)

	// Cancelling again conflicts: the task is already terminal.
	rec = f.do(t, http.MethodPost, "/api/tasks/"+created.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryTaskEndpoint(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, service.CreateTaskRequest{
		Type:  domain.TaskTypeImageGeneration,
		Input: json.RawMessage(`{"prompt":"x"}`),
	})
	require.NoError(t, err)

	// Not failed yet: conflict.
	rec := f.do(t, http.MethodPost, "/api/tasks/"+created.ID.String()+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, f.tasks.TransitionState(ctx, created.ID,
		[]domain.TaskState{domain.TaskStateQueued},
		domain.TaskStateFailed, store.TaskUpdate{}))

	rec = f.do(t, http.MethodPost, "/api/tasks/"+created.ID.String()+"/retry", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp.State)
}

func TestListTasksEndpoint(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Create(ctx, service.CreateTaskRequest{
			Type:  domain.TaskTypeImageGeneration,
			Input: json.RawMessage(`{"prompt":"x"}`),
		})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/api/tasks?state=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp, 3)

	rec = f.do(t, http.MethodGet, "/api/tasks?state=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp)
}

func TestGetStatsEndpoint(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	_, err := f.svc.Create(context.Background(), service.CreateTaskRequest{
		Type:  domain.TaskTypeVideoGeneration,
		Input: json.RawMessage(`{"prompt":"x"}`),
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats service.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.QueueDepth)
	assert.Equal(t, int64(1), stats.ByType[domain.TaskTypeVideoGeneration])
}
