package postgres

import (
	"context"
	"fmt"

	"github.com/videoai/orchestrator/internal/store"
)

// PostgresAPIKeyStore implements store.APIKeyStore using PostgreSQL. Keys
// are looked up by their public prefix; only bcrypt hashes are stored.
type PostgresAPIKeyStore struct {
	db store.DBTX
}

// NewPostgresAPIKeyStore creates a new PostgresAPIKeyStore.
func NewPostgresAPIKeyStore(db store.DBTX) *PostgresAPIKeyStore {
	return &PostgresAPIKeyStore{db: db}
}

// GetKeyHash returns the bcrypt hash for the active key with the given
// public prefix.
func (s *PostgresAPIKeyStore) GetKeyHash(ctx context.Context, prefix string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT key_hash FROM api_keys WHERE key_prefix = $1 AND active`, prefix,
	).Scan(&hash)
	if err != nil {
		if IsNotFoundError(MapError(err)) {
			return "", fmt.Errorf("%w: prefix %s", store.ErrAPIKeyNotFound, prefix)
		}
		return "", MapError(err)
	}
	return hash, nil
}
