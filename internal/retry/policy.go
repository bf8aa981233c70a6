// Package retry centralizes the retry policy shared by the dispatcher and
// the webhook notifier. Call sites parameterize one Policy instead of
// hand-rolling backoff loops.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how failures are retried: how many attempts, how the
// delay grows, and which errors are worth retrying.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps the backoff regardless of attempt count.
	MaxDelay time.Duration

	// MaxElapsed bounds the total retry window. Zero means unbounded.
	MaxElapsed time.Duration

	// Retryable decides whether an error is worth another attempt. A nil
	// predicate retries everything.
	Retryable func(error) bool

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Policy with the given attempt and delay bounds.
func New(maxAttempts int, baseDelay, maxDelay time.Duration) *Policy {
	return &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay returns the backoff delay before the given attempt (1-based:
// attempt 1 is the first retry). The delay doubles per attempt, is capped at
// MaxDelay and carries full jitter so synchronized retries spread out.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay << uint(attempt-1)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}

	p.mu.Lock()
	jittered := time.Duration(p.rng.Int63n(int64(delay) + 1))
	p.mu.Unlock()

	// Keep at least half the nominal delay so jitter never collapses the
	// backoff entirely.
	if jittered < delay/2 {
		jittered = delay/2 + jittered/2
	}
	return jittered
}

// ShouldRetry reports whether another attempt is allowed for the given
// error after attemptCount attempts have already run.
func (p *Policy) ShouldRetry(err error, attemptCount int) bool {
	if attemptCount >= p.MaxAttempts {
		return false
	}
	if p.Retryable != nil && !p.Retryable(err) {
		return false
	}
	return true
}

// Run executes op with this policy using the backoff library's exponential
// timer, for call sites that want a blocking retry loop rather than
// scheduler-mediated re-queueing.
func (p *Policy) Run(op backoff.Operation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = p.MaxElapsed

	return backoff.Retry(op, backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)))
}
