package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/videoai/orchestrator/internal/api/shared"
	"github.com/videoai/orchestrator/internal/redact"
	"github.com/videoai/orchestrator/internal/store"
)

// keyPrefixLength is the number of leading characters used as the public
// lookup prefix of an API key. Only the bcrypt hash of the full key is
// stored.
const keyPrefixLength = 8

// AuthMiddleware provides API key authentication for routes. Keys arrive
// in the Authorization header as "Bearer <key>" or in X-API-Key.
type AuthMiddleware struct {
	keys store.APIKeyStore
}

// NewAuthMiddleware creates a new AuthMiddleware with the given key store.
func NewAuthMiddleware(keys store.APIKeyStore) *AuthMiddleware {
	return &AuthMiddleware{keys: keys}
}

// Authenticate validates the API key and records its public prefix in the
// request context for authorized requests.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractKey(r)
		if key == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "API key required")
			return
		}
		if len(key) <= keyPrefixLength {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid API key")
			return
		}

		prefix := key[:keyPrefixLength]
		hash, err := m.keys.GetKeyHash(r.Context(), prefix)
		if err != nil {
			if errors.Is(err, store.ErrAPIKeyNotFound) {
				shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid API key")
				return
			}
			slog.Error("failed to look up API key", "error", redact.Error(err))
			shared.RespondWithError(w, r, http.StatusInternalServerError, "Authentication failed")
			return
		}

		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) != nil {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid API key")
			return
		}

		ctx := shared.SetAPIKeyPrefix(r.Context(), prefix)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractKey pulls the API key from the Authorization or X-API-Key header.
func extractKey(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.Header.Get("X-API-Key")
}
