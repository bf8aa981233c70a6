package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/videoai/orchestrator/internal/domain"
)

// Prober periodically refreshes provider health and credit balances by
// calling each binding's HealthCheck and Credits probes. A degraded
// provider that passes a probe is restored without waiting for its
// cooldown window.
type Prober struct {
	registry     *Registry
	cron         *cron.Cron
	probeTimeout time.Duration
	logger       *slog.Logger
}

// NewProber creates a Prober running on the given cron schedule spec
// (e.g. "@every 30s").
func NewProber(registry *Registry, spec string, probeTimeout time.Duration, logger *slog.Logger) (*Prober, error) {
	p := &Prober{
		registry:     registry,
		cron:         cron.New(),
		probeTimeout: probeTimeout,
		logger:       logger.With("component", "provider_prober"),
	}

	if _, err := p.cron.AddFunc(spec, p.ProbeAll); err != nil {
		return nil, err
	}

	return p, nil
}

// Start begins the probe schedule and runs one immediate pass so selection
// has fresh health data before the first scheduled tick.
func (p *Prober) Start() {
	p.ProbeAll()
	p.cron.Start()
	p.logger.Info("provider prober started")
}

// Stop halts the schedule and waits for any running probe to finish.
func (p *Prober) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
	p.logger.Info("provider prober stopped")
}

// ProbeAll probes every registered binding once.
func (p *Prober) ProbeAll() {
	for _, binding := range p.registry.Bindings() {
		p.probeOne(binding.ID())
	}
}

func (p *Prober) probeOne(providerID string) {
	r := p.registry

	r.mu.Lock()
	e, ok := r.entries[providerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	binding := e.binding
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.probeTimeout)
	defer cancel()

	health, err := binding.HealthCheck(ctx)
	if err != nil {
		p.logger.Warn("health probe failed",
			"provider_id", providerID,
			"error", err)
		r.SetHealth(ctx, providerID, domain.HealthUnavailable)
		return
	}
	r.SetHealth(ctx, providerID, health)

	balance, err := binding.Credits(ctx)
	if err != nil {
		p.logger.Warn("credit probe failed",
			"provider_id", providerID,
			"error", err)
		return
	}
	r.SetCredits(ctx, providerID, balance)
}
