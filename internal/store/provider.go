package store

import (
	"context"

	"github.com/videoai/orchestrator/internal/domain"
)

// ProviderStore persists provider statistics so health and selection state
// survive restarts. The registry owns the in-memory working copy and writes
// through on changes.
type ProviderStore interface {
	// UpsertProvider inserts or refreshes the provider record.
	UpsertProvider(ctx context.Context, provider *domain.Provider) error

	// GetProvider returns the stored record, or ErrProviderNotFound.
	GetProvider(ctx context.Context, id string) (*domain.Provider, error)

	// ListProviders returns all stored provider records.
	ListProviders(ctx context.Context) ([]*domain.Provider, error)
}

// APIKeyStore verifies caller credentials. Keys are stored bcrypt-hashed;
// lookup is by the key's public prefix.
type APIKeyStore interface {
	// GetKeyHash returns the bcrypt hash for the key with the given public
	// prefix, or ErrAPIKeyNotFound.
	GetKeyHash(ctx context.Context, prefix string) (string, error)
}
