package handlers

import (
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/utils"
)

// HealthSnapshotter exposes the current health records of every (provider, model) pair
type HealthSnapshotter interface {
	Snapshot() []models.HealthRecord
}

// ProviderHealthHandler serves provider health and breaker state
type ProviderHealthHandler struct {
	tracker HealthSnapshotter
	logger  *zap.Logger
}

// NewProviderHealthHandler creates a new ProviderHealthHandler
func NewProviderHealthHandler(tracker HealthSnapshotter, logger *zap.Logger) *ProviderHealthHandler {
	return &ProviderHealthHandler{tracker: tracker, logger: logger}
}

// HandleProviderHealth handles GET /api/v1/providers/health?provider=
func (h *ProviderHealthHandler) HandleProviderHealth(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider")))

	records := h.tracker.Snapshot()
	out := make([]models.HealthRecord, 0, len(records))
	for _, rec := range records {
		if provider == "" || rec.Provider == provider {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})

	if err := utils.WriteOK(w, out); err != nil {
		h.logger.Error("failed to write provider health response", zap.Error(err))
	}
}
