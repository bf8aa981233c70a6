package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/platform/logger"
	"github.com/videoai/orchestrator/internal/store"
)

// PostgresProviderStore implements store.ProviderStore using PostgreSQL.
// The registry keeps the working copy in memory and writes through here so
// provider statistics survive restarts.
type PostgresProviderStore struct {
	db store.DBTX
}

// NewPostgresProviderStore creates a new PostgresProviderStore.
func NewPostgresProviderStore(db store.DBTX) *PostgresProviderStore {
	return &PostgresProviderStore{db: db}
}

// UpsertProvider inserts or refreshes the provider record.
func (s *PostgresProviderStore) UpsertProvider(ctx context.Context, p *domain.Provider) error {
	log := logger.FromContext(ctx)

	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO providers (id, media_types, health, credit_balance, cost_per_unit,
			avg_latency_ms, success_rate, consecutive_failures, cooldown_until, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			media_types = EXCLUDED.media_types,
			health = EXCLUDED.health,
			credit_balance = EXCLUDED.credit_balance,
			cost_per_unit = EXCLUDED.cost_per_unit,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			success_rate = EXCLUDED.success_rate,
			consecutive_failures = EXCLUDED.consecutive_failures,
			cooldown_until = EXCLUDED.cooldown_until
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		mediaTypeStrings(p.MediaTypes),
		p.Health,
		p.CreditBalance,
		p.CostPerUnit,
		p.AvgLatency.Milliseconds(),
		p.SuccessRate,
		p.ConsecutiveFailures,
		p.CooldownUntil,
		p.RegisteredAt,
	)
	if err != nil {
		log.Error("failed to upsert provider", "provider_id", p.ID, "error", err)
		return MapError(err)
	}

	return nil
}

// GetProvider returns the stored record for the given provider ID.
func (s *PostgresProviderStore) GetProvider(ctx context.Context, id string) (*domain.Provider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, media_types, health, credit_balance, cost_per_unit,
			avg_latency_ms, success_rate, consecutive_failures, cooldown_until, registered_at
		 FROM providers WHERE id = $1`, id)

	p, err := scanProvider(row)
	if err != nil {
		if IsNotFoundError(MapError(err)) {
			return nil, fmt.Errorf("%w: %s", store.ErrProviderNotFound, id)
		}
		return nil, MapError(err)
	}
	return p, nil
}

// ListProviders returns all stored provider records.
func (s *PostgresProviderStore) ListProviders(ctx context.Context) ([]*domain.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, media_types, health, credit_balance, cost_per_unit,
			avg_latency_ms, success_rate, consecutive_failures, cooldown_until, registered_at
		 FROM providers ORDER BY id`)
	if err != nil {
		return nil, MapError(err)
	}
	defer rows.Close()

	var providers []*domain.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider row: %w", err)
		}
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	return providers, nil
}

func scanProvider(row rowScanner) (*domain.Provider, error) {
	var p domain.Provider
	var mediaTypes []string
	var creditBalance sql.NullFloat64
	var latencyMs int64
	var cooldownUntil sql.NullTime

	err := row.Scan(
		&p.ID,
		&mediaTypes,
		&p.Health,
		&creditBalance,
		&p.CostPerUnit,
		&latencyMs,
		&p.SuccessRate,
		&p.ConsecutiveFailures,
		&cooldownUntil,
		&p.RegisteredAt,
	)
	if err != nil {
		return nil, err
	}

	p.MediaTypes = make([]domain.TaskType, len(mediaTypes))
	for i, mt := range mediaTypes {
		p.MediaTypes[i] = domain.TaskType(mt)
	}
	if creditBalance.Valid {
		v := creditBalance.Float64
		p.CreditBalance = &v
	}
	p.AvgLatency = time.Duration(latencyMs) * time.Millisecond
	if cooldownUntil.Valid {
		t := cooldownUntil.Time
		p.CooldownUntil = &t
	}

	return &p, nil
}

func mediaTypeStrings(types []domain.TaskType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
