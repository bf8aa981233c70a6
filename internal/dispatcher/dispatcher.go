// Package dispatcher executes admitted tasks against the selected provider
// binding, managing per-attempt timeouts, retry with backoff, and failover
// to the next eligible provider. Every failure inside the dispatcher is
// converted into a task state transition; no error escapes to crash the
// scheduling loop.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/limiter"
	"github.com/videoai/orchestrator/internal/provider"
	"github.com/videoai/orchestrator/internal/registry"
	"github.com/videoai/orchestrator/internal/retry"
	"github.com/videoai/orchestrator/internal/scheduler"
	"github.com/videoai/orchestrator/internal/store"
)

// Notifier receives task lifecycle events for asynchronous webhook
// delivery. A notifier failure never affects task state.
type Notifier interface {
	Notify(ctx context.Context, task *domain.Task, event domain.WebhookEventType)
}

// Config tunes execution behavior.
type Config struct {
	// WorkerCount is the number of concurrent executor goroutines.
	WorkerCount int

	// DefaultTimeout bounds one provider attempt when no per-media-type
	// override exists.
	DefaultTimeout time.Duration

	// MediaTypeTimeouts overrides the attempt timeout per task type.
	MediaTypeTimeouts map[domain.TaskType]time.Duration

	// AdmissionRetryDelay is how long a task waits before re-admission
	// when no limiter slot could be acquired.
	AdmissionRetryDelay time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:         4,
		DefaultTimeout:      2 * time.Minute,
		AdmissionRetryDelay: 250 * time.Millisecond,
	}
}

// progressEvent is one provider progress callback, serialized through a
// single updater goroutine so per-task updates stay ordered.
type progressEvent struct {
	task     *domain.Task
	seq      int64
	fraction float64
	message  string
}

// Dispatcher pulls admitted tasks from the scheduler and executes them.
type Dispatcher struct {
	cfg       Config
	tasks     store.TaskStore
	registry  *registry.Registry
	limiter   *limiter.Limiter
	scheduler *scheduler.Scheduler
	policy    *retry.Policy
	notifier  Notifier
	logger    *slog.Logger

	progress chan progressEvent
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Dispatcher. The notifier may be nil.
func New(
	cfg Config,
	tasks store.TaskStore,
	reg *registry.Registry,
	lim *limiter.Limiter,
	sched *scheduler.Scheduler,
	policy *retry.Policy,
	notifier Notifier,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 2 * time.Minute
	}
	if cfg.AdmissionRetryDelay <= 0 {
		cfg.AdmissionRetryDelay = 250 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		cfg:       cfg,
		tasks:     tasks,
		registry:  reg,
		limiter:   lim,
		scheduler: sched,
		policy:    policy,
		notifier:  notifier,
		logger:    logger.With("component", "dispatcher"),
		progress:  make(chan progressEvent, 256),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the executor workers and the progress updater.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.progressUpdater()

	for i := 0; i < d.cfg.WorkerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.logger.Info("dispatcher started", "worker_count", d.cfg.WorkerCount)
}

// Stop waits for in-flight attempts to finish.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// worker consumes admitted tasks until the scheduler channel closes.
func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case task, ok := <-d.scheduler.Next():
			if !ok {
				return
			}
			d.Execute(task)
		}
	}
}

// Execute runs one attempt for the task. It is exported for tests; the
// worker loop is the production caller.
func (d *Dispatcher) Execute(task *domain.Task) {
	ctx := d.ctx
	log := d.logger.With("task_id", task.ID, "task_type", task.Type)

	// Cancellation checkpoint: re-read before committing to an attempt.
	fresh, err := d.tasks.GetTask(ctx, task.ID)
	if err != nil {
		log.Error("failed to load task before attempt", "error", err)
		return
	}
	if fresh.State != domain.TaskStateQueued {
		log.Debug("skipping task no longer queued", "state", fresh.State)
		return
	}

	candidate, ok := d.selectProvider(fresh)
	if !ok {
		// No budget anywhere right now; stay queued and come back.
		d.scheduler.ScheduleRetry(fresh, d.cfg.AdmissionRetryDelay)
		return
	}

	providerID := candidate.Info.ID
	attempt := fresh.AttemptCount + 1
	log = log.With("provider_id", providerID, "attempt", attempt)

	if err := d.tasks.TransitionState(ctx, fresh.ID,
		[]domain.TaskState{domain.TaskStateQueued},
		domain.TaskStateDispatched,
		store.TaskUpdate{
			AssignedProvider: &providerID,
			AttemptCount:     &attempt,
		},
	); err != nil {
		d.limiter.Release(providerID)
		if errors.Is(err, store.ErrStaleState) {
			log.Debug("task transitioned away before dispatch")
		} else {
			log.Error("failed to mark task dispatched", "error", err)
		}
		return
	}
	fresh.State = domain.TaskStateDispatched
	fresh.AssignedProvider = providerID
	fresh.AttemptCount = attempt
	d.notify(ctx, fresh, domain.EventTaskDispatched)

	startedAt := time.Now().UTC()
	if err := d.tasks.TransitionState(ctx, fresh.ID,
		[]domain.TaskState{domain.TaskStateDispatched},
		domain.TaskStateProcessing,
		store.TaskUpdate{StartedAt: &startedAt},
	); err != nil {
		d.limiter.Release(providerID)
		if !errors.Is(err, store.ErrStaleState) {
			log.Error("failed to mark task processing", "error", err)
		}
		return
	}
	fresh.State = domain.TaskStateProcessing
	fresh.StartedAt = &startedAt
	d.notify(ctx, fresh, domain.EventTaskProcessing)

	d.registry.BeginAttempt(providerID)
	output, latency, callErr := d.invoke(candidate.Binding, fresh)
	d.limiter.Release(providerID)
	d.scheduler.Wake()

	if callErr == nil {
		d.registry.ReportOutcome(ctx, providerID, true, latency, candidate.Info.CostPerUnit)
		d.complete(ctx, fresh, output, log)
		return
	}

	d.registry.ReportOutcome(ctx, providerID, false, latency, candidate.Info.CostPerUnit)
	d.handleFailure(ctx, fresh, callErr, log)
}

// selectProvider picks the top-ranked eligible provider with limiter
// budget, preferring a different provider than the one that served the
// previous failed attempt so retries do not hammer a failing backend.
func (d *Dispatcher) selectProvider(task *domain.Task) (registry.Candidate, bool) {
	candidates := d.registry.Eligible(task.Type)
	if len(candidates) == 0 {
		return registry.Candidate{}, false
	}

	if task.AttemptCount > 0 && task.AssignedProvider != "" && len(candidates) > 1 {
		// Failover preference: move the previous provider to the back.
		reordered := make([]registry.Candidate, 0, len(candidates))
		var previous []registry.Candidate
		for _, c := range candidates {
			if c.Info.ID == task.AssignedProvider {
				previous = append(previous, c)
				continue
			}
			reordered = append(reordered, c)
		}
		candidates = append(reordered, previous...)
	}

	for _, c := range candidates {
		if d.limiter.TryAcquire(c.Info.ID) {
			return c, true
		}
	}
	return registry.Candidate{}, false
}

// invoke calls the binding with the per-media-type timeout and returns the
// output, the observed latency and the classified error.
func (d *Dispatcher) invoke(binding provider.Binding, task *domain.Task) ([]byte, time.Duration, error) {
	timeout := d.cfg.DefaultTimeout
	if t, ok := d.cfg.MediaTypeTimeouts[task.Type]; ok && t > 0 {
		timeout = t
	}

	ctx, cancel := context.WithTimeout(d.ctx, timeout)
	defer cancel()

	var seq int64
	var seqMu sync.Mutex
	progressFn := func(fraction float64, message string) {
		seqMu.Lock()
		seq++
		n := seq
		seqMu.Unlock()

		select {
		case d.progress <- progressEvent{task: task, seq: n, fraction: fraction, message: message}:
		default:
			// Progress is advisory; drop rather than block the provider
			// callback path.
		}
	}

	start := time.Now()
	output, err := binding.Generate(ctx, task.Type, task.Input, progressFn)
	latency := time.Since(start)

	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = provider.ErrTimeout
	}

	return output, latency, err
}

// complete records a successful attempt. The terminal write is conditional:
// if a cancellation landed first the result is discarded and the cancelled
// state stands (first terminal write wins).
func (d *Dispatcher) complete(ctx context.Context, task *domain.Task, output []byte, log *slog.Logger) {
	completedAt := time.Now().UTC()
	one := 1.0

	err := d.tasks.TransitionState(ctx, task.ID,
		[]domain.TaskState{domain.TaskStateProcessing},
		domain.TaskStateCompleted,
		store.TaskUpdate{
			Output:      output,
			Progress:    &one,
			CompletedAt: &completedAt,
		},
	)
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			log.Info("discarding result, task reached terminal state first")
		} else {
			log.Error("failed to mark task completed", "error", err)
		}
		return
	}

	log.Info("task completed")

	task.State = domain.TaskStateCompleted
	task.Output = output
	task.Progress = 1
	task.CompletedAt = &completedAt
	d.notify(ctx, task, domain.EventTaskCompleted)
}

// handleFailure classifies the error and either re-queues the task with
// backoff (transient, retries left) or fails it terminally.
func (d *Dispatcher) handleFailure(ctx context.Context, task *domain.Task, callErr error, log *slog.Logger) {
	errMsg := callErr.Error()

	permanent := provider.IsPermanent(callErr)
	if errors.Is(callErr, provider.ErrInsufficientCredits) {
		// Out of credits is only terminal when no other provider could
		// take the task; otherwise fail over.
		if len(d.registry.Eligible(task.Type)) > 1 {
			permanent = false
		}
	}

	retriesLeft := task.AttemptCount <= task.MaxRetries

	if !permanent && retriesLeft {
		delay := d.policy.NextDelay(task.AttemptCount)

		err := d.tasks.TransitionState(ctx, task.ID,
			[]domain.TaskState{domain.TaskStateProcessing},
			domain.TaskStateQueued,
			store.TaskUpdate{LastError: &errMsg},
		)
		if err != nil {
			if errors.Is(err, store.ErrStaleState) {
				log.Debug("task transitioned away before re-queue")
			} else {
				log.Error("failed to re-queue task", "error", err)
			}
			return
		}

		log.Warn("attempt failed, retrying with backoff",
			"error", errMsg,
			"delay", delay)

		task.State = domain.TaskStateQueued
		task.LastError = errMsg
		d.scheduler.ScheduleRetry(task, delay)
		return
	}

	completedAt := time.Now().UTC()
	err := d.tasks.TransitionState(ctx, task.ID,
		[]domain.TaskState{domain.TaskStateProcessing, domain.TaskStateDispatched},
		domain.TaskStateFailed,
		store.TaskUpdate{
			LastError:   &errMsg,
			CompletedAt: &completedAt,
		},
	)
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			log.Debug("task transitioned away before terminal failure")
		} else {
			log.Error("failed to mark task failed", "error", err)
		}
		return
	}

	log.Error("task failed",
		"error", errMsg,
		"attempt_count", task.AttemptCount,
		"permanent", permanent)

	task.State = domain.TaskStateFailed
	task.LastError = errMsg
	task.CompletedAt = &completedAt
	d.notify(ctx, task, domain.EventTaskFailed)
}

// progressUpdater serializes provider progress callbacks into store writes
// and emits a task.progress notification for each applied update. A single
// consumer preserves arrival order; the store clamps values monotonically
// so late out-of-order reports are ignored.
func (d *Dispatcher) progressUpdater() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.progress:
			if err := d.tasks.UpdateProgress(d.ctx, ev.task.ID, ev.fraction, ev.message); err != nil {
				d.logger.Debug("progress update dropped",
					"task_id", ev.task.ID,
					"seq", ev.seq,
					"error", err)
				continue
			}
			snapshot := *ev.task
			snapshot.Progress = ev.fraction
			snapshot.ProgressMessage = ev.message
			d.notify(d.ctx, &snapshot, domain.EventTaskProgress)
		}
	}
}

func (d *Dispatcher) notify(ctx context.Context, task *domain.Task, event domain.WebhookEventType) {
	if d.notifier == nil || task.WebhookURL == "" {
		return
	}
	d.notifier.Notify(ctx, task, event)
}
