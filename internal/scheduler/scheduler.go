// Package scheduler orders pending tasks by priority and fairness and hands
// ready tasks to the dispatcher, respecting per-provider rate and
// concurrency budgets. The admission loop is event-driven: it sleeps until
// an enqueue, a limiter release or a due retry wakes it.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/limiter"
	"github.com/videoai/orchestrator/internal/registry"
)

// Config tunes scheduling behavior.
type Config struct {
	// QueueSize bounds the dispatch channel buffer.
	QueueSize int

	// AgingThreshold is how long a task waits in one band before the aging
	// pass promotes its effective priority by one band. Prevents
	// starvation of low-priority tasks under sustained high-priority load.
	AgingThreshold time.Duration

	// AgingInterval is how often the aging pass runs.
	AgingInterval time.Duration

	// MaxProviderWait bounds how long a task may wait with no eligible
	// provider before it is failed with a "no provider available" reason.
	MaxProviderWait time.Duration

	// IdlePollFloor and IdlePollCeil bound the capped exponential interval
	// used when tasks are queued but nothing is admittable.
	IdlePollFloor time.Duration
	IdlePollCeil  time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:       256,
		AgingThreshold:  5 * time.Minute,
		AgingInterval:   30 * time.Second,
		MaxProviderWait: 10 * time.Minute,
		IdlePollFloor:   100 * time.Millisecond,
		IdlePollCeil:    5 * time.Second,
	}
}

// ExpireFunc is called when a task exceeds MaxProviderWait with no eligible
// provider. The callee owns the resulting state transition.
type ExpireFunc func(task *domain.Task)

// Scheduler admits tasks to the dispatcher in (priority desc, enqueue asc)
// order, skipping over tasks whose media type currently has no eligible
// provider with budget so one stuck task never blocks the queue.
type Scheduler struct {
	cfg      Config
	registry *registry.Registry
	limiter  *limiter.Limiter
	logger   *slog.Logger

	mu      sync.Mutex
	ready   readyQueue
	delayed delayQueue
	byID    map[uuid.UUID]*item

	wake     chan struct{}
	dispatch chan *domain.Task

	expire ExpireFunc

	agingCron *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a Scheduler. The expire callback may be nil.
func New(cfg Config, reg *registry.Registry, lim *limiter.Limiter, expire ExpireFunc, logger *slog.Logger) *Scheduler {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.IdlePollFloor <= 0 {
		cfg.IdlePollFloor = 100 * time.Millisecond
	}
	if cfg.IdlePollCeil <= 0 {
		cfg.IdlePollCeil = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cfg:      cfg,
		registry: reg,
		limiter:  lim,
		logger:   logger.With("component", "scheduler"),
		byID:     make(map[uuid.UUID]*item),
		wake:     make(chan struct{}, 1),
		dispatch: make(chan *domain.Task, cfg.QueueSize),
		expire:   expire,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Next returns the channel the dispatcher's workers consume admitted tasks
// from. The channel closes on Stop.
func (s *Scheduler) Next() <-chan *domain.Task {
	return s.dispatch
}

// Start launches the admission loop and the aging pass.
func (s *Scheduler) Start() error {
	s.agingCron = cron.New()
	spec := "@every " + s.cfg.AgingInterval.String()
	if _, err := s.agingCron.AddFunc(spec, s.agingPass); err != nil {
		return err
	}
	s.agingCron.Start()

	s.wg.Add(1)
	go s.run()

	s.logger.Info("scheduler started",
		"aging_threshold", s.cfg.AgingThreshold,
		"aging_interval", s.cfg.AgingInterval)
	return nil
}

// Stop halts the admission loop and closes the dispatch channel.
func (s *Scheduler) Stop() {
	s.cancel()
	if s.agingCron != nil {
		<-s.agingCron.Stop().Done()
	}
	s.wg.Wait()
	close(s.dispatch)
	s.logger.Info("scheduler stopped")
}

// Enqueue adds a queued task to the ready queue.
func (s *Scheduler) Enqueue(task *domain.Task) {
	now := time.Now().UTC()

	s.mu.Lock()
	if _, exists := s.byID[task.ID]; exists {
		s.mu.Unlock()
		return
	}
	it := &item{
		task:       task,
		enqueuedAt: task.EnqueuedAt,
		promotedAt: now,
	}
	if it.enqueuedAt.IsZero() {
		it.enqueuedAt = now
	}
	s.byID[task.ID] = it
	heap.Push(&s.ready, it)
	s.mu.Unlock()

	s.Wake()
}

// ScheduleRetry re-queues a task after the given backoff delay.
func (s *Scheduler) ScheduleRetry(task *domain.Task, delay time.Duration) {
	now := time.Now().UTC()

	s.mu.Lock()
	if _, exists := s.byID[task.ID]; exists {
		s.mu.Unlock()
		return
	}
	it := &item{
		task:       task,
		enqueuedAt: task.EnqueuedAt,
		promotedAt: now,
		readyAt:    now.Add(delay),
	}
	s.byID[task.ID] = it
	heap.Push(&s.delayed, it)
	s.mu.Unlock()

	s.logger.Debug("scheduled retry",
		"task_id", task.ID,
		"delay", delay,
		"attempt_count", task.AttemptCount)
	s.Wake()
}

// Remove drops a task from the queues if it is still waiting. Returns true
// when something was removed. Used by cancellation.
func (s *Scheduler) Remove(taskID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byID[taskID]
	if !ok || it.index < 0 {
		return false
	}
	if it.readyAt.IsZero() {
		remove(&s.ready, it.index)
	} else {
		remove(&s.delayed, it.index)
	}
	delete(s.byID, taskID)
	return true
}

// Wake nudges the admission loop. Safe to call from any goroutine; extra
// wakes coalesce.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// QueueDepth returns the number of waiting tasks (ready plus delayed).
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ready) + len(s.delayed)
}

// run is the admission loop. Each pass promotes due retries, admits every
// currently admittable task, then sleeps until woken or until the next
// delayed task is due. When tasks are waiting but none is admittable the
// sleep grows exponentially up to the configured ceiling.
func (s *Scheduler) run() {
	defer s.wg.Done()

	idle := s.cfg.IdlePollFloor

	for {
		s.promoteDue()
		admitted := s.admitPass()

		if admitted > 0 {
			idle = s.cfg.IdlePollFloor
		}

		var timer *time.Timer
		wait := idle
		if next, ok := s.nextDelayed(); ok {
			if until := time.Until(next); until < wait {
				wait = until
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer = time.NewTimer(wait)

		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			idle = s.cfg.IdlePollFloor
		case <-timer.C:
			if admitted == 0 && s.QueueDepth() > 0 {
				idle *= 2
				if idle > s.cfg.IdlePollCeil {
					idle = s.cfg.IdlePollCeil
				}
			}
		}
	}
}

// admitPass hands every currently admittable task to the dispatch channel.
// Tasks whose media type has no provider with available budget are skipped
// and stay queued (head-of-line blocking avoidance). Returns the number of
// tasks admitted.
func (s *Scheduler) admitPass() int {
	admitted := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	// Pop everything once, re-pushing what cannot run. Heap order makes
	// this a ranked scan.
	var skipped []*item
	for len(s.ready) > 0 {
		it := heap.Pop(&s.ready).(*item)

		switch s.classifyLocked(it) {
		case admitTask:
			select {
			case s.dispatch <- it.task:
				delete(s.byID, it.task.ID)
				admitted++
			default:
				// Dispatch buffer full; put the task back and stop the
				// scan, workers will wake us as they drain.
				heap.Push(&s.ready, it)
				for _, sk := range skipped {
					heap.Push(&s.ready, sk)
				}
				return admitted
			}
		case skipTask:
			skipped = append(skipped, it)
		case expireTask:
			delete(s.byID, it.task.ID)
			if s.expire != nil {
				task := it.task
				go s.expire(task)
			}
		}
	}

	for _, it := range skipped {
		heap.Push(&s.ready, it)
	}
	return admitted
}

type admitDecision int

const (
	admitTask admitDecision = iota
	skipTask
	expireTask
)

// classifyLocked decides what to do with the ranked head task. Callers
// hold s.mu.
func (s *Scheduler) classifyLocked(it *item) admitDecision {
	candidates := s.registry.Eligible(it.task.Type)
	if len(candidates) == 0 {
		if s.cfg.MaxProviderWait > 0 &&
			time.Since(it.enqueuedAt) > s.cfg.MaxProviderWait {
			return expireTask
		}
		return skipTask
	}

	for _, c := range candidates {
		if s.limiter.Available(c.Info.ID) {
			return admitTask
		}
	}
	return skipTask
}

// promoteDue moves delayed retries whose backoff has elapsed into the
// ready queue.
func (s *Scheduler) promoteDue() {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.delayed) > 0 && !s.delayed[0].readyAt.After(now) {
		it := heap.Pop(&s.delayed).(*item)
		it.readyAt = time.Time{}
		heap.Push(&s.ready, it)
	}
}

// nextDelayed returns the earliest pending retry time, if any.
func (s *Scheduler) nextDelayed() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.delayed) == 0 {
		return time.Time{}, false
	}
	return s.delayed[0].readyAt, true
}

// agingPass promotes the effective priority of tasks that have waited
// longer than the aging threshold in their current band. Promotion is
// pass-based rather than continuous; the threshold and interval are
// tunables, not load-bearing constants.
func (s *Scheduler) agingPass() {
	now := time.Now().UTC()
	promoted := 0

	s.mu.Lock()
	for _, it := range s.ready {
		if it.effectivePriority() >= domain.PriorityUrgent {
			continue
		}
		if now.Sub(it.promotedAt) >= s.cfg.AgingThreshold {
			it.promotions++
			it.promotedAt = now
			promoted++
		}
	}
	if promoted > 0 {
		heap.Init(&s.ready)
	}
	s.mu.Unlock()

	if promoted > 0 {
		s.logger.Debug("aging pass promoted tasks", "count", promoted)
		s.Wake()
	}
}
