package api

import (
	"net/http"

	"github.com/videoai/orchestrator/internal/api/shared"
	"github.com/videoai/orchestrator/internal/registry"
)

// ProviderHandler exposes the provider registry's health and statistics.
type ProviderHandler struct {
	registry *registry.Registry
}

// NewProviderHandler creates a new ProviderHandler.
func NewProviderHandler(reg *registry.Registry) *ProviderHandler {
	return &ProviderHandler{registry: reg}
}

// ListProviders handles GET /api/providers requests.
func (h *ProviderHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	snapshot := h.registry.Snapshot()

	resp := make([]ProviderResponse, 0, len(snapshot))
	for _, p := range snapshot {
		resp = append(resp, newProviderResponse(p))
	}

	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}
