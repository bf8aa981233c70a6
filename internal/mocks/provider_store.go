package mocks

import (
	"context"
	"sync"

	"github.com/videoai/orchestrator/internal/domain"
	"github.com/videoai/orchestrator/internal/store"
)

// ProviderStore is an in-memory store.ProviderStore.
type ProviderStore struct {
	mu        sync.Mutex
	providers map[string]*domain.Provider
}

// NewProviderStore creates an empty in-memory provider store.
func NewProviderStore() *ProviderStore {
	return &ProviderStore{providers: make(map[string]*domain.Provider)}
}

func (s *ProviderStore) UpsertProvider(ctx context.Context, provider *domain.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *provider
	clone.MediaTypes = append([]domain.TaskType(nil), provider.MediaTypes...)
	s.providers[provider.ID] = &clone
	return nil
}

func (s *ProviderStore) GetProvider(ctx context.Context, id string) (*domain.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, store.ErrProviderNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *ProviderStore) ListProviders(ctx context.Context) ([]*domain.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		clone := *p
		out = append(out, &clone)
	}
	return out, nil
}

// APIKeyStore is an in-memory store.APIKeyStore mapping prefixes to bcrypt
// hashes.
type APIKeyStore struct {
	Hashes map[string]string
}

func (s *APIKeyStore) GetKeyHash(ctx context.Context, prefix string) (string, error) {
	hash, ok := s.Hashes[prefix]
	if !ok {
		return "", store.ErrAPIKeyNotFound
	}
	return hash, nil
}
