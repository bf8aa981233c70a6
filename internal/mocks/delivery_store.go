package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/store"
)

// DeliveryStore is an in-memory store.DeliveryStore. DueDeliveries returns
// only the head of each task's pending queue, matching the postgres
// implementation's FIFO guarantee.
type DeliveryStore struct {
	mu         sync.Mutex
	deliveries map[uuid.UUID]*domain.WebhookDelivery
}

// NewDeliveryStore creates an empty in-memory delivery store.
func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{deliveries: make(map[uuid.UUID]*domain.WebhookDelivery)}
}

func (s *DeliveryStore) CreateDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[delivery.ID]; ok {
		return store.ErrDuplicate
	}
	clone := *delivery
	s.deliveries[delivery.ID] = &clone
	return nil
}

func (s *DeliveryStore) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	heads := make(map[uuid.UUID]*domain.WebhookDelivery)
	for _, d := range s.deliveries {
		if !d.Pending() {
			continue
		}
		head, ok := heads[d.TaskID]
		if !ok || d.Seq < head.Seq {
			heads[d.TaskID] = d
		}
	}

	var out []*domain.WebhookDelivery
	for _, d := range heads {
		if d.NextRetryAt.After(now) {
			continue
		}
		clone := *d
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *DeliveryStore) RecordAttempt(ctx context.Context, id uuid.UUID, delivered bool, failedPermanently bool, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	d.AttemptCount++
	d.Delivered = delivered
	d.FailedPermanently = failedPermanently
	d.LastAttemptAt = &now
	if !nextRetryAt.IsZero() {
		d.NextRetryAt = nextRetryAt
	}
	return nil
}

func (s *DeliveryStore) ListByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.WebhookDelivery
	for _, d := range s.deliveries {
		if d.TaskID == taskID {
			clone := *d
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *DeliveryStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, d := range s.deliveries {
		if d.Pending() {
			continue
		}
		if d.CreatedAt.Before(cutoff) {
			delete(s.deliveries, id)
			removed++
		}
	}
	return removed, nil
}

// Pending returns the number of deliveries still awaiting an attempt.
func (s *DeliveryStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range s.deliveries {
		if d.Pending() {
			n++
		}
	}
	return n
}
