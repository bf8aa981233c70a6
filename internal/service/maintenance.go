package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/videoai/orchestrator/internal/store"
)

// Maintenance periodically prunes terminal tasks and finished webhook
// deliveries past their retention window.
type Maintenance struct {
	tasks      store.TaskStore
	deliveries store.DeliveryStore
	retention  time.Duration
	logger     *slog.Logger
	cron       *cron.Cron
}

// NewMaintenance creates the pruning job. Retention must be positive.
func NewMaintenance(tasks store.TaskStore, deliveries store.DeliveryStore, retention time.Duration, logger *slog.Logger) *Maintenance {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Maintenance{
		tasks:      tasks,
		deliveries: deliveries,
		retention:  retention,
		logger:     logger.With("component", "maintenance"),
		cron:       cron.New(),
	}
}

// Start schedules the prune pass on the given cron spec, such as
// "@every 1h".
func (m *Maintenance) Start(spec string) error {
	if _, err := m.cron.AddFunc(spec, func() { m.Prune(context.Background()) }); err != nil {
		return err
	}
	m.cron.Start()
	m.logger.Info("maintenance started", "schedule", spec, "retention", m.retention)
	return nil
}

// Stop halts the cron scheduler, waiting for a running pass to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

// Prune runs one deletion pass.
func (m *Maintenance) Prune(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.retention)

	removedTasks, err := m.tasks.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		m.logger.Error("failed to prune terminal tasks", "error", err)
	}

	removedDeliveries, err := m.deliveries.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		m.logger.Error("failed to prune webhook deliveries", "error", err)
	}

	if removedTasks > 0 || removedDeliveries > 0 {
		m.logger.Info("pruned old records",
			"tasks", removedTasks,
			"deliveries", removedDeliveries,
			"cutoff", cutoff)
	}
}
