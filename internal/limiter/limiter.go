// Package limiter enforces per-provider request rate and in-flight
// concurrency budgets. Some providers bill per request per second, others
// are bounded by concurrent job slots; the two budgets are tracked
// independently and admission requires both.
package limiter

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limits configures one provider's budgets.
type Limits struct {
	// RequestsPerSecond feeds the token bucket. Zero disables rate
	// limiting for the provider.
	RequestsPerSecond float64

	// Burst is the bucket depth. Defaults to 1 when unset.
	Burst int

	// MaxConcurrent caps simultaneous in-flight requests. Zero disables
	// the concurrency cap.
	MaxConcurrent int64
}

// providerLimiter pairs the two budgets for one provider.
type providerLimiter struct {
	bucket *rate.Limiter
	slots  *semaphore.Weighted
}

// Limiter tracks budgets for all registered providers. Failing to acquire
// is not an error: the task stays queued and the scheduler retries on its
// next pass.
type Limiter struct {
	mu        sync.RWMutex
	providers map[string]*providerLimiter
	logger    *slog.Logger
}

// New creates an empty Limiter.
func New(logger *slog.Logger) *Limiter {
	return &Limiter{
		providers: make(map[string]*providerLimiter),
		logger:    logger.With("component", "limiter"),
	}
}

// Configure registers or replaces the budgets for a provider.
func (l *Limiter) Configure(providerID string, limits Limits) {
	pl := &providerLimiter{}

	if limits.RequestsPerSecond > 0 {
		burst := limits.Burst
		if burst < 1 {
			burst = 1
		}
		pl.bucket = rate.NewLimiter(rate.Limit(limits.RequestsPerSecond), burst)
	}

	if limits.MaxConcurrent > 0 {
		pl.slots = semaphore.NewWeighted(limits.MaxConcurrent)
	}

	l.mu.Lock()
	l.providers[providerID] = pl
	l.mu.Unlock()

	l.logger.Debug("configured provider limits",
		"provider_id", providerID,
		"requests_per_second", limits.RequestsPerSecond,
		"max_concurrent", limits.MaxConcurrent)
}

// TryAcquire attempts to take both a rate token and a concurrency slot for
// the provider. It never blocks. When the rate token is available but the
// slot is not, the token is forfeited; buckets refill continuously so the
// loss is bounded and keeps the fast path lock-free.
func (l *Limiter) TryAcquire(providerID string) bool {
	pl := l.get(providerID)
	if pl == nil {
		// Unknown providers are unlimited; the registry gates eligibility.
		return true
	}

	if pl.slots != nil && !pl.slots.TryAcquire(1) {
		return false
	}

	if pl.bucket != nil && !pl.bucket.Allow() {
		if pl.slots != nil {
			pl.slots.Release(1)
		}
		return false
	}

	return true
}

// Release returns the provider's concurrency slot after an attempt ends.
// Rate tokens are not returned; they meter request starts, not completions.
func (l *Limiter) Release(providerID string) {
	pl := l.get(providerID)
	if pl == nil || pl.slots == nil {
		return
	}
	pl.slots.Release(1)
}

// Available reports whether an acquisition would currently succeed, without
// consuming budget. The scheduler uses it for head-of-line checks; the
// answer may race with a concurrent acquirer, which the dispatcher absorbs
// by re-queueing.
func (l *Limiter) Available(providerID string) bool {
	pl := l.get(providerID)
	if pl == nil {
		return true
	}

	if pl.bucket != nil && pl.bucket.Tokens() < 1 {
		return false
	}

	if pl.slots != nil {
		if !pl.slots.TryAcquire(1) {
			return false
		}
		pl.slots.Release(1)
	}

	return true
}

func (l *Limiter) get(providerID string) *providerLimiter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.providers[providerID]
}
