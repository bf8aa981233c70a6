// Package registry holds the set of registered AI provider bindings, their
// health and credit state, and the selection policy the dispatcher uses to
// rank them. The registry is constructed at bootstrap and injected into the
// scheduler and dispatcher; there is no ambient global state.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/provider"
	"github.com/videoai/orchestrator/internal/store"
)

// Config tunes selection and demotion behavior.
type Config struct {
	// EMAAlpha is the smoothing factor for the success-rate and latency
	// moving averages. Higher values weigh recent outcomes more.
	EMAAlpha float64

	// DemotionThreshold is the number of consecutive failures after which
	// a provider is demoted to degraded.
	DemotionThreshold int

	// CooldownWindow is how long a demoted provider stays deprioritized
	// before it is restored (a successful probe restores it earlier).
	CooldownWindow time.Duration

	// CreditCacheTTL bounds how long a probed credit balance is trusted.
	CreditCacheTTL time.Duration

	// Score weights. Zero values fall back to defaults in New.
	WeightSuccess float64
	WeightLatency float64
	WeightCost    float64
	WeightLoad    float64
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		EMAAlpha:          0.2,
		DemotionThreshold: 3,
		CooldownWindow:    2 * time.Minute,
		CreditCacheTTL:    time.Minute,
		WeightSuccess:     1.0,
		WeightLatency:     0.5,
		WeightCost:        0.3,
		WeightLoad:        0.5,
	}
}

// entry pairs a binding with its mutable runtime statistics.
type entry struct {
	binding  provider.Binding
	info     domain.Provider
	inFlight int
}

// Candidate is one eligible provider returned by Eligible, ranked best
// first.
type Candidate struct {
	Binding provider.Binding
	Info    domain.Provider
	Score   float64
}

// Registry tracks provider bindings and their rolling statistics. All
// counter updates happen under the mutex so concurrent reporters are safe.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	rrSeq   uint64

	cfg     Config
	store   store.ProviderStore
	credits *gocache.Cache
	logger  *slog.Logger
}

// New creates an empty Registry. The provider store may be nil, in which
// case statistics are memory-only.
func New(cfg Config, providerStore store.ProviderStore, logger *slog.Logger) *Registry {
	if cfg.EMAAlpha <= 0 || cfg.EMAAlpha > 1 {
		cfg.EMAAlpha = 0.2
	}
	if cfg.DemotionThreshold <= 0 {
		cfg.DemotionThreshold = 3
	}
	if cfg.CooldownWindow <= 0 {
		cfg.CooldownWindow = 2 * time.Minute
	}
	if cfg.CreditCacheTTL <= 0 {
		cfg.CreditCacheTTL = time.Minute
	}
	if cfg.WeightSuccess == 0 && cfg.WeightLatency == 0 &&
		cfg.WeightCost == 0 && cfg.WeightLoad == 0 {
		defaults := DefaultConfig()
		cfg.WeightSuccess = defaults.WeightSuccess
		cfg.WeightLatency = defaults.WeightLatency
		cfg.WeightCost = defaults.WeightCost
		cfg.WeightLoad = defaults.WeightLoad
	}

	return &Registry{
		entries: make(map[string]*entry),
		cfg:     cfg,
		store:   providerStore,
		credits: gocache.New(cfg.CreditCacheTTL, 5*time.Minute),
		logger:  logger.With("component", "registry"),
	}
}

// Register adds a provider binding. Stored statistics are restored when a
// prior record exists, so success rates survive restarts.
func (r *Registry) Register(ctx context.Context, binding provider.Binding, costPerUnit float64) error {
	info := domain.Provider{
		ID:           binding.ID(),
		MediaTypes:   binding.MediaTypes(),
		Health:       domain.HealthHealthy,
		CostPerUnit:  costPerUnit,
		SuccessRate:  1.0,
		RegisteredAt: time.Now().UTC(),
	}

	if cp, ok := binding.(provider.CostPerUnit); ok && costPerUnit == 0 {
		info.CostPerUnit = cp.CostPerUnit()
	}

	if r.store != nil {
		if prev, err := r.store.GetProvider(ctx, info.ID); err == nil {
			info.SuccessRate = prev.SuccessRate
			info.AvgLatency = prev.AvgLatency
			info.Health = prev.Health
		}
	}

	if err := info.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.entries[info.ID] = &entry{binding: binding, info: info}
	r.mu.Unlock()

	r.persist(ctx, info)

	r.logger.Info("registered provider",
		"provider_id", info.ID,
		"media_types", len(info.MediaTypes),
		"cost_per_unit", info.CostPerUnit)
	return nil
}

// Eligible returns the providers able to serve the given media type,
// ordered best first by composite score. Unavailable providers and
// providers with a known-zero credit balance are excluded; degraded
// providers are included but rank below healthy ones. Score ties are broken
// round-robin so equally ranked providers share load.
func (r *Registry) Eligible(mediaType domain.TaskType) []Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.restoreCooledLocked()

	var out []Candidate
	for _, e := range r.entries {
		if !e.info.Supports(mediaType) || !e.info.Selectable() {
			continue
		}
		out = append(out, Candidate{
			Binding: e.binding,
			Info:    e.info,
			Score:   r.scoreLocked(e),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		// Degraded providers always rank below healthy ones regardless of
		// score, so a demoted backend keeps serving only as a fallback.
		di := out[i].Info.Health == domain.HealthDegraded
		dj := out[j].Info.Health == domain.HealthDegraded
		if di != dj {
			return dj
		}
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Info.ID < out[j].Info.ID
	})

	// Round-robin: rotate each run of equally ranked providers by the
	// registry sequence so tied providers share load.
	r.rrSeq++
	for start := 0; start < len(out); {
		end := start + 1
		for end < len(out) &&
			out[end].Score == out[start].Score &&
			(out[end].Info.Health == domain.HealthDegraded) == (out[start].Info.Health == domain.HealthDegraded) {
			end++
		}
		if n := end - start; n > 1 {
			k := int(r.rrSeq % uint64(n))
			rotated := make([]Candidate, 0, n)
			rotated = append(rotated, out[start+k:end]...)
			rotated = append(rotated, out[start:start+k]...)
			copy(out[start:end], rotated)
		}
		start = end
	}

	return out
}

// BeginAttempt records that a dispatch attempt started on the provider.
func (r *Registry) BeginAttempt(providerID string) {
	r.mu.Lock()
	if e, ok := r.entries[providerID]; ok {
		e.inFlight++
	}
	r.mu.Unlock()
}

// ReportOutcome folds one dispatch outcome into the provider's rolling
// statistics and drives the demotion/restoration state machine.
func (r *Registry) ReportOutcome(ctx context.Context, providerID string, success bool, latency time.Duration, cost float64) {
	r.mu.Lock()
	e, ok := r.entries[providerID]
	if !ok {
		r.mu.Unlock()
		return
	}

	if e.inFlight > 0 {
		e.inFlight--
	}

	alpha := r.cfg.EMAAlpha
	sample := 0.0
	if success {
		sample = 1.0
	}
	e.info.SuccessRate = alpha*sample + (1-alpha)*e.info.SuccessRate
	e.info.AvgLatency = time.Duration(alpha*float64(latency) + (1-alpha)*float64(e.info.AvgLatency))

	if success {
		e.info.ConsecutiveFailures = 0
		if e.info.Health == domain.HealthDegraded {
			e.info.Health = domain.HealthHealthy
			e.info.CooldownUntil = nil
			r.logger.Info("provider restored after successful call",
				"provider_id", providerID)
		}
	} else {
		e.info.ConsecutiveFailures++
		if e.info.Health == domain.HealthHealthy &&
			e.info.ConsecutiveFailures >= r.cfg.DemotionThreshold {
			until := time.Now().UTC().Add(r.cfg.CooldownWindow)
			e.info.Health = domain.HealthDegraded
			e.info.CooldownUntil = &until
			r.logger.Warn("provider demoted after consecutive failures",
				"provider_id", providerID,
				"consecutive_failures", e.info.ConsecutiveFailures,
				"cooldown_until", until)
		}
	}

	info := e.info
	r.mu.Unlock()

	r.persist(ctx, info)
}

// SetHealth overrides a provider's health, used by the prober.
func (r *Registry) SetHealth(ctx context.Context, providerID string, health domain.HealthStatus) {
	r.mu.Lock()
	e, ok := r.entries[providerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	prev := e.info.Health
	e.info.Health = health
	if health == domain.HealthHealthy {
		e.info.ConsecutiveFailures = 0
		e.info.CooldownUntil = nil
	}
	info := e.info
	r.mu.Unlock()

	if prev != health {
		r.logger.Info("provider health changed",
			"provider_id", providerID,
			"from", prev,
			"to", health)
	}
	r.persist(ctx, info)
}

// SetCredits records a probed credit balance.
func (r *Registry) SetCredits(ctx context.Context, providerID string, balance *float64) {
	r.mu.Lock()
	e, ok := r.entries[providerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.info.CreditBalance = balance
	info := e.info
	r.mu.Unlock()

	if balance != nil {
		r.credits.Set(providerID, *balance, gocache.DefaultExpiration)
	}
	r.persist(ctx, info)
}

// CachedCredits returns the last probed balance if it is still fresh.
func (r *Registry) CachedCredits(providerID string) (float64, bool) {
	if v, ok := r.credits.Get(providerID); ok {
		return v.(float64), true
	}
	return 0, false
}

// Snapshot returns a copy of every provider's current record.
func (r *Registry) Snapshot() []domain.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Provider, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Bindings returns all registered bindings, for the prober.
func (r *Registry) Bindings() []provider.Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]provider.Binding, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.binding)
	}
	return out
}

// scoreLocked computes the composite selection score. Callers hold r.mu.
func (r *Registry) scoreLocked(e *entry) float64 {
	latencySec := e.info.AvgLatency.Seconds()
	load := float64(e.inFlight)

	return r.cfg.WeightSuccess*e.info.SuccessRate +
		r.cfg.WeightLatency/(1+latencySec) +
		r.cfg.WeightCost/(1+e.info.CostPerUnit) -
		r.cfg.WeightLoad*load/(1+load)
}

// restoreCooledLocked lifts expired cooldowns. Callers hold r.mu.
func (r *Registry) restoreCooledLocked() {
	now := time.Now().UTC()
	for _, e := range r.entries {
		if e.info.Health == domain.HealthDegraded &&
			e.info.CooldownUntil != nil &&
			now.After(*e.info.CooldownUntil) {
			e.info.Health = domain.HealthHealthy
			e.info.ConsecutiveFailures = 0
			e.info.CooldownUntil = nil
			r.logger.Info("provider cooldown expired, restored",
				"provider_id", e.info.ID)
		}
	}
}

// persist writes the record through to the provider store when one is
// configured. Persistence failures are logged, never propagated: selection
// must not depend on the statistics store being up.
func (r *Registry) persist(ctx context.Context, info domain.Provider) {
	if r.store == nil {
		return
	}
	if err := r.store.UpsertProvider(ctx, &info); err != nil {
		r.logger.Error("failed to persist provider record",
			"provider_id", info.ID,
			"error", err)
	}
}
