// Package provider defines the boundary between the orchestration core and
// external AI backends. Each backend implements the Binding interface; the
// registry holds bindings polymorphically and the dispatcher invokes them
// with bounded timeouts. This interface follows the hexagonal architecture
// pattern: the core never imports a concrete provider SDK.
package provider

import (
	"context"
	"encoding/json"

	"github.com/videoai/orchestrator/internal/domain"
)

// ProgressFunc receives progress callbacks from a binding while a generation
// is in flight. Fraction is in [0,1]; implementations may report
// out-of-order values, the core clamps them monotonically.
type ProgressFunc func(fraction float64, message string)

// Binding is implemented by every external AI backend the orchestrator can
// dispatch work to.
type Binding interface {
	// ID returns the stable provider identifier used by the registry and
	// the limiter.
	ID() string

	// MediaTypes returns the task types this backend can fulfil.
	MediaTypes() []domain.TaskType

	// Generate performs one media-generation attempt. The context carries
	// the per-attempt deadline; implementations must respect cancellation.
	// Progress may be nil.
	Generate(ctx context.Context, taskType domain.TaskType, input json.RawMessage, progress ProgressFunc) (json.RawMessage, error)

	// HealthCheck probes the backend and reports its availability.
	HealthCheck(ctx context.Context) (domain.HealthStatus, error)

	// Credits returns the remaining credit balance, or nil when the backend
	// does not expose one.
	Credits(ctx context.Context) (*float64, error)
}

// CostPerUnit is implemented by bindings that know their own unit price.
// The registry uses it to seed the provider's cost statistic.
type CostPerUnit interface {
	CostPerUnit() float64
}
