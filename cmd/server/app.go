package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/videoai/orchestrator/internal/batch"
	"github.com/videoai/orchestrator/internal/config"
	"github.com/videoai/orchestrator/internal/dispatcher"
	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/limiter"
	"github.com/videoai/orchestrator/internal/platform/gemini"
	"github.com/videoai/orchestrator/internal/platform/piapi"
	"github.com/videoai/orchestrator/internal/platform/postgres"
	"github.com/videoai/orchestrator/internal/registry"
	"github.com/videoai/orchestrator/internal/retry"
	"github.com/videoai/orchestrator/internal/scheduler"
	"github.com/videoai/orchestrator/internal/service"
	"github.com/videoai/orchestrator/internal/store"
	"github.com/videoai/orchestrator/internal/webhook"
)

// Relative cost weights used by provider selection when several backends
// serve the same media type.
const (
	geminiCostPerUnit = 0.25
	piapiCostPerUnit  = 1.0
)

const (
	probeSchedule = "@every 30s"
	probeTimeout  = 10 * time.Second
)

// application owns every long-running component and the order they start
// and stop in.
type application struct {
	cfg    *config.Config
	logger *slog.Logger

	db          *sql.DB
	registry    *registry.Registry
	scheduler   *scheduler.Scheduler
	dispatcher  *dispatcher.Dispatcher
	notifier    *webhook.Notifier
	prober      *registry.Prober
	maintenance *service.Maintenance
	taskService *service.TaskService
	server      *http.Server
}

// newApplication wires stores, the provider registry, the scheduling
// pipeline and the HTTP surface together. Nothing is started yet.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	db, err := setupDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up database: %w", err)
	}
	if err := runMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	taskStore := postgres.NewPostgresTaskStore(db)
	deliveryStore := postgres.NewPostgresDeliveryStore(db)
	batchStore := postgres.NewPostgresBatchStore(db)
	providerStore := postgres.NewPostgresProviderStore(db)
	apiKeyStore := postgres.NewPostgresAPIKeyStore(db)

	reg := registry.New(registry.Config{}, providerStore, logger)
	lim := limiter.New(logger)
	if err := registerProviders(ctx, cfg.Providers, reg, lim, logger); err != nil {
		db.Close()
		return nil, err
	}

	// The expiry callback needs the task service, which in turn needs the
	// scheduler. Bind it through a closure and fill the variable in below,
	// before anything starts.
	var taskService *service.TaskService
	sched := scheduler.New(scheduler.Config{
		QueueSize:       cfg.Scheduler.QueueSize,
		AgingThreshold:  cfg.Scheduler.AgingThreshold,
		AgingInterval:   cfg.Scheduler.AgingInterval,
		MaxProviderWait: cfg.Scheduler.MaxProviderWait,
	}, reg, lim, func(t *domain.Task) { taskService.ExpireUnschedulable(t) }, logger)

	notifier := webhook.New(webhook.Config{
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		BaseDelay:      cfg.Webhook.BaseDelay,
		MaxDelay:       cfg.Webhook.MaxDelay,
		RetryWindow:    cfg.Webhook.RetryWindow,
		RequestTimeout: cfg.Webhook.RequestTimeout,
	}, deliveryStore, taskStore, logger)

	policy := retry.New(cfg.Dispatcher.MaxRetries+1, cfg.Dispatcher.RetryBaseDelay, cfg.Dispatcher.RetryMaxDelay)

	timeouts := make(map[domain.TaskType]time.Duration, len(cfg.Dispatcher.MediaTypeTimeouts))
	for mediaType, d := range cfg.Dispatcher.MediaTypeTimeouts {
		timeouts[domain.TaskType(mediaType)] = d
	}
	disp := dispatcher.New(dispatcher.Config{
		WorkerCount:       cfg.Scheduler.WorkerCount,
		DefaultTimeout:    cfg.Dispatcher.DefaultTimeout,
		MediaTypeTimeouts: timeouts,
	}, taskStore, reg, lim, sched, policy, notifier, logger)

	taskService = service.NewTaskService(taskStore, deliveryStore, sched, notifier, logger)

	batchCoordinator := batch.New(db, func(tx *sql.Tx) (store.TaskStore, store.BatchStore) {
		return postgres.NewPostgresTaskStore(tx), postgres.NewPostgresBatchStore(tx)
	}, batchStore, sched, notifier, logger)

	prober, err := registry.NewProber(reg, probeSchedule, probeTimeout, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create provider prober: %w", err)
	}

	maintenance := service.NewMaintenance(taskStore, deliveryStore, cfg.Retention.Window, logger)

	router := newRouter(cfg, logger, routerDeps{
		taskService:      taskService,
		batchCoordinator: batchCoordinator,
		registry:         reg,
		apiKeys:          apiKeyStore,
		db:               db,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &application{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		registry:    reg,
		scheduler:   sched,
		dispatcher:  disp,
		notifier:    notifier,
		prober:      prober,
		maintenance: maintenance,
		taskService: taskService,
		server:      server,
	}, nil
}

// registerProviders creates a binding for every backend with credentials
// configured and applies its outbound limits. A server with no providers
// still starts; tasks fail with a scheduling error once MaxProviderWait
// elapses.
func registerProviders(ctx context.Context, cfg config.ProvidersConfig, reg *registry.Registry, lim *limiter.Limiter, logger *slog.Logger) error {
	if cfg.Gemini.APIKey != "" {
		binding, err := gemini.New(ctx, gemini.Config{
			APIKey:    cfg.Gemini.APIKey,
			ModelName: cfg.Gemini.ModelName,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create gemini binding: %w", err)
		}
		if err := reg.Register(ctx, binding, geminiCostPerUnit); err != nil {
			return fmt.Errorf("failed to register gemini provider: %w", err)
		}
		lim.Configure(binding.ID(), limiter.Limits{
			RequestsPerSecond: cfg.Gemini.RateLimit.RequestsPerSecond,
			Burst:             cfg.Gemini.RateLimit.Burst,
			MaxConcurrent:     int64(cfg.Gemini.RateLimit.MaxConcurrent),
		})
	}

	if cfg.PiAPI.APIKey != "" {
		binding, err := piapi.New(piapi.Config{
			APIKey:  cfg.PiAPI.APIKey,
			BaseURL: cfg.PiAPI.BaseURL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create piapi binding: %w", err)
		}
		if err := reg.Register(ctx, binding, piapiCostPerUnit); err != nil {
			return fmt.Errorf("failed to register piapi provider: %w", err)
		}
		lim.Configure(binding.ID(), limiter.Limits{
			RequestsPerSecond: cfg.PiAPI.RateLimit.RequestsPerSecond,
			Burst:             cfg.PiAPI.RateLimit.Burst,
			MaxConcurrent:     int64(cfg.PiAPI.RateLimit.MaxConcurrent),
		})
	}

	if len(reg.Bindings()) == 0 {
		logger.Warn("no providers configured, tasks will expire unscheduled")
	}
	return nil
}

// Run starts every component, serves HTTP until ctx is cancelled, then
// shuts the pipeline down intake-first so in-flight work can finish.
func (a *application) Run(ctx context.Context) error {
	if err := a.taskService.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover interrupted tasks: %w", err)
	}

	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	a.dispatcher.Start()
	a.notifier.Start()
	a.prober.Start()
	if err := a.maintenance.Start(a.cfg.Retention.Schedule); err != nil {
		return fmt.Errorf("failed to start maintenance: %w", err)
	}

	serverErrors := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", a.server.Addr)
		serverErrors <- a.server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.shutdown()
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("graceful HTTP shutdown failed", "error", err)
		a.server.Close()
	}

	a.shutdown()
	a.logger.Info("server stopped")
	return nil
}

// shutdown stops components in dependency order: stop admitting work,
// drain the executors, flush notifications, then background jobs.
func (a *application) shutdown() {
	a.scheduler.Stop()
	a.dispatcher.Stop()
	a.notifier.Stop()
	a.prober.Stop()
	a.maintenance.Stop()
	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close database", "error", err)
	}
}
