// Package webhook delivers signed task lifecycle notifications to caller
// supplied URLs. Deliveries are persisted before any network attempt so
// pending notifications survive a restart, and deliveries for the same
// task are sent strictly in order.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"resty.dev/v3"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/retry"
	"github.com/videoai/orchestrator/internal/store"
)

// Config tunes delivery retry behavior.
type Config struct {
	// MaxAttempts bounds HTTP attempts per delivery before it is marked
	// permanently failed.
	MaxAttempts int

	// BaseDelay seeds the shared retry policy; each subsequent retry
	// backs off exponentially up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// RetryWindow abandons a delivery once its age exceeds this bound,
	// regardless of remaining attempts.
	RetryWindow time.Duration

	// RequestTimeout bounds one HTTP attempt.
	RequestTimeout time.Duration

	// PollInterval is how often the worker checks for due deliveries when
	// idle. Notify wakes the worker immediately for fresh deliveries.
	PollInterval time.Duration

	// BatchSize caps deliveries pulled per worker pass.
	BatchSize int
}

// DefaultConfig returns delivery settings matching the documented retry
// schedule: up to 5 attempts over a 24 hour window.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		BaseDelay:      30 * time.Second,
		MaxDelay:       time.Hour,
		RetryWindow:    24 * time.Hour,
		RequestTimeout: 30 * time.Second,
		PollInterval:   5 * time.Second,
		BatchSize:      64,
	}
}

// Notifier persists and delivers webhook notifications. It satisfies the
// dispatcher's Notifier interface.
type Notifier struct {
	cfg        Config
	deliveries store.DeliveryStore
	tasks      store.TaskStore
	client     *resty.Client
	policy     *retry.Policy
	logger     *slog.Logger

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// inFlight guards against double-sending a delivery when a slow
	// attempt overlaps the next worker pass.
	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}
}

// New creates a Notifier backed by the given stores.
func New(cfg Config, deliveries store.DeliveryStore, tasks store.TaskStore, logger *slog.Logger) *Notifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Hour
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = 24 * time.Hour
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Notifier{
		cfg:        cfg,
		deliveries: deliveries,
		tasks:      tasks,
		client:     resty.New().SetTimeout(cfg.RequestTimeout),
		policy:     retry.New(cfg.MaxAttempts, cfg.BaseDelay, cfg.MaxDelay),
		logger:     logger.With("component", "webhook"),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		inFlight:   make(map[uuid.UUID]struct{}),
	}
}

// Start launches the delivery worker.
func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.run()
	n.logger.Info("webhook notifier started")
}

// Stop waits for the in-progress delivery pass to finish.
func (n *Notifier) Stop() {
	n.cancel()
	n.wg.Wait()
	n.logger.Info("webhook notifier stopped")
}

// Notify persists a delivery for the task event and wakes the worker.
// Tasks without a webhook URL are ignored. Persistence failures are
// logged; notification must never affect task state.
func (n *Notifier) Notify(ctx context.Context, task *domain.Task, event domain.WebhookEventType) {
	if task.WebhookURL == "" {
		return
	}

	payload, err := json.Marshal(domain.WebhookPayload{
		EventType: event,
		TaskID:    task.ID,
		Timestamp: time.Now().UTC(),
		Data: domain.WebhookPayloadData{
			Status:   task.State,
			Progress: task.Progress,
			Output:   task.Output,
			Error:    task.LastError,
		},
	})
	if err != nil {
		n.logger.Error("failed to marshal webhook payload", "task_id", task.ID, "error", err)
		return
	}

	seq, err := n.tasks.NextEventSeq(ctx, task.ID)
	if err != nil {
		n.logger.Error("failed to allocate event sequence", "task_id", task.ID, "error", err)
		return
	}

	delivery, err := domain.NewWebhookDelivery(task.ID, seq, event, task.WebhookURL, task.WebhookSecret, payload)
	if err != nil {
		n.logger.Error("invalid webhook delivery", "task_id", task.ID, "error", err)
		return
	}

	if err := n.deliveries.CreateDelivery(ctx, delivery); err != nil {
		n.logger.Error("failed to persist webhook delivery", "task_id", task.ID, "error", err)
		return
	}

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Flush runs one delivery pass synchronously. Exposed for tests and for
// draining during shutdown.
func (n *Notifier) Flush(ctx context.Context) {
	n.deliverDue(ctx)
}

func (n *Notifier) run() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-n.wake:
		case <-ticker.C:
		}
		n.deliverDue(n.ctx)
	}
}

// deliverDue attempts every due head-of-line delivery. The store returns
// at most one pending delivery per task (the lowest seq), so later events
// for a task wait until earlier ones are delivered or abandoned.
func (n *Notifier) deliverDue(ctx context.Context) {
	due, err := n.deliveries.DueDeliveries(ctx, time.Now().UTC(), n.cfg.BatchSize)
	if err != nil {
		n.logger.Error("failed to list due deliveries", "error", err)
		return
	}

	for _, d := range due {
		if ctx.Err() != nil {
			return
		}
		if !n.claim(d.ID) {
			continue
		}
		n.attempt(ctx, d)
		n.release(d.ID)
	}
}

func (n *Notifier) claim(id uuid.UUID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, busy := n.inFlight[id]; busy {
		return false
	}
	n.inFlight[id] = struct{}{}
	return true
}

func (n *Notifier) release(id uuid.UUID) {
	n.mu.Lock()
	delete(n.inFlight, id)
	n.mu.Unlock()
}

// attempt performs one HTTP POST and records the outcome.
func (n *Notifier) attempt(ctx context.Context, d *domain.WebhookDelivery) {
	attempt := d.AttemptCount + 1
	log := n.logger.With("delivery_id", d.ID, "task_id", d.TaskID, "event", d.EventType, "attempt", attempt)

	ok, status := n.post(ctx, d)
	if ok {
		if err := n.deliveries.RecordAttempt(ctx, d.ID, true, false, time.Time{}); err != nil {
			log.Error("failed to record delivered attempt", "error", err)
			return
		}
		log.Info("webhook delivered", "status", status)
		return
	}

	expired := time.Since(d.CreatedAt) > n.cfg.RetryWindow
	exhausted := !n.policy.ShouldRetry(nil, attempt)
	if expired || exhausted {
		if err := n.deliveries.RecordAttempt(ctx, d.ID, false, true, time.Time{}); err != nil {
			log.Error("failed to record abandoned attempt", "error", err)
			return
		}
		log.Warn("webhook abandoned", "status", status, "expired", expired)
		return
	}

	next := time.Now().UTC().Add(n.policy.NextDelay(attempt))
	if err := n.deliveries.RecordAttempt(ctx, d.ID, false, false, next); err != nil {
		log.Error("failed to record failed attempt", "error", err)
		return
	}
	log.Warn("webhook attempt failed, will retry", "status", status, "next_retry_at", next)
}

// post sends the signed request. It returns whether the endpoint accepted
// the delivery (any 2xx) and the observed status code, 0 on transport
// error.
func (n *Notifier) post(ctx context.Context, d *domain.WebhookDelivery) (bool, int) {
	now := time.Now().UTC()

	req := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Webhook-Event", string(d.EventType)).
		SetHeader("X-Webhook-Delivery", d.ID.String()).
		SetHeader("X-Webhook-Timestamp", strconv.FormatInt(now.Unix(), 10)).
		SetBody([]byte(d.Payload))

	if d.Secret != "" {
		req.SetHeader("X-Webhook-Signature", Sign(d.Secret, d.Payload))
	}

	resp, err := req.Post(d.URL)
	if err != nil {
		return false, 0
	}

	code := resp.StatusCode()
	return code >= 200 && code < 300, code
}
