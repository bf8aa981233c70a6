package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/videoai/orchestrator/internal/api"
	"github.com/videoai/orchestrator/internal/api/middleware"
	"github.com/videoai/orchestrator/internal/api/shared"
	"github.com/videoai/orchestrator/internal/batch"
	"github.com/videoai/orchestrator/internal/config"
	"github.com/videoai/orchestrator/internal/registry"
	"github.com/videoai/orchestrator/internal/service"
	"github.com/videoai/orchestrator/internal/store"
)

type routerDeps struct {
	taskService      *service.TaskService
	batchCoordinator *batch.Coordinator
	registry         *registry.Registry
	apiKeys          store.APIKeyStore
	db               *sql.DB
}

// newRouter assembles the HTTP surface. Every /api route requires an API
// key unless auth is disabled in configuration.
func newRouter(cfg *config.Config, logger *slog.Logger, deps routerDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.TraceMiddleware)

	taskHandler := api.NewTaskHandler(deps.taskService)
	batchHandler := api.NewBatchHandler(deps.batchCoordinator)
	providerHandler := api.NewProviderHandler(deps.registry)

	r.Get("/health", healthHandler(deps.db))

	r.Route("/api", func(r chi.Router) {
		if !cfg.Auth.Disabled {
			authMiddleware := middleware.NewAuthMiddleware(deps.apiKeys)
			r.Use(authMiddleware.Authenticate)
		} else {
			logger.Warn("API authentication is disabled")
		}

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", taskHandler.CreateTask)
			r.Get("/", taskHandler.ListTasks)
			r.Get("/{id}", taskHandler.GetTask)
			r.Post("/{id}/cancel", taskHandler.CancelTask)
			r.Post("/{id}/retry", taskHandler.RetryTask)
		})

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", batchHandler.CreateBatch)
			r.Get("/{id}", batchHandler.GetBatch)
		})

		r.Get("/providers", providerHandler.ListProviders)
		r.Get("/stats", taskHandler.GetStats)
	})

	return r
}

// healthHandler reports readiness. A failed database ping returns 503 so
// load balancers stop routing here.
func healthHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			shared.RespondWithJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}
