package mocks

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/provider"
)

// Binding is a scriptable provider.Binding. Tests set GenerateFn to control
// outcomes per call; the default returns an empty JSON object.
type Binding struct {
	BindingID string
	Types     []domain.TaskType

	GenerateFn    func(ctx context.Context, taskType domain.TaskType, input json.RawMessage, progress provider.ProgressFunc) (json.RawMessage, error)
	HealthCheckFn func(ctx context.Context) (domain.HealthStatus, error)
	CreditsFn     func(ctx context.Context) (*float64, error)

	mu            sync.Mutex
	generateCalls int
}

// NewBinding creates a binding with the given ID serving the given media
// types.
func NewBinding(id string, types ...domain.TaskType) *Binding {
	return &Binding{BindingID: id, Types: types}
}

func (b *Binding) ID() string { return b.BindingID }

func (b *Binding) MediaTypes() []domain.TaskType { return b.Types }

func (b *Binding) Generate(ctx context.Context, taskType domain.TaskType, input json.RawMessage, progress provider.ProgressFunc) (json.RawMessage, error) {
	b.mu.Lock()
	b.generateCalls++
	b.mu.Unlock()

	if b.GenerateFn != nil {
		return b.GenerateFn(ctx, taskType, input, progress)
	}
	return json.RawMessage(`{}`), nil
}

func (b *Binding) HealthCheck(ctx context.Context) (domain.HealthStatus, error) {
	if b.HealthCheckFn != nil {
		return b.HealthCheckFn(ctx)
	}
	return domain.HealthHealthy, nil
}

func (b *Binding) Credits(ctx context.Context) (*float64, error) {
	if b.CreditsFn != nil {
		return b.CreditsFn(ctx)
	}
	return nil, nil
}

// GenerateCalls returns how many times Generate has been invoked.
func (b *Binding) GenerateCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generateCalls
}
