package handlers

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services/catalogcache"
	"github.com/upb/llm-gateway/utils"
)

// CatalogReader serves catalog views and accepts invalidations
type CatalogReader interface {
	GetCatalog(ctx context.Context, filter catalogcache.Filter, dedup bool) (*models.CatalogSnapshot, error)
	Invalidate(ctx context.Context, slugs []string) bool
}

// InvalidateRequest names the providers whose cached catalog data is stale
type InvalidateRequest struct {
	Providers []string `json:"providers" validate:"required,min=1,dive,required"`
}

// CatalogHandler handles model catalog HTTP requests
type CatalogHandler struct {
	catalog CatalogReader
	logger  *zap.Logger
}

// NewCatalogHandler creates a new CatalogHandler
func NewCatalogHandler(catalog CatalogReader, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{
		catalog: catalog,
		logger:  logger,
	}
}

// HandleListModels handles GET /api/v1/models?provider=&capability=&dedup=
func (h *CatalogHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := catalogcache.Filter{
		Provider:   q.Get("provider"),
		Capability: q.Get("capability"),
	}.Normalize()
	if filter.Capability != "" && !knownCapability(filter.Capability) {
		_ = utils.WriteBadRequest(w, "Unknown capability", map[string]interface{}{
			"capability": filter.Capability,
			"allowed":    catalogcache.Capabilities,
		})
		return
	}

	dedup := true
	if raw := q.Get("dedup"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, "dedup must be a boolean", nil)
			return
		}
		dedup = parsed
	}

	view, err := h.catalog.GetCatalog(ctx, filter, dedup)
	if err != nil {
		h.logger.Warn("failed to serve catalog",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.String("provider", filter.Provider),
			zap.String("capability", filter.Capability),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := utils.WriteOK(w, view); err != nil {
		h.logger.Error("failed to write catalog response", zap.Error(err))
	}
}

// HandleInvalidate handles POST /api/v1/models/invalidate. The shared tier is cleared
// in the background, so the response is 202.
func (h *CatalogHandler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	if !h.catalog.Invalidate(r.Context(), req.Providers) {
		_ = utils.WriteBadRequest(w, "No provider to invalidate", nil)
		return
	}

	h.logger.Info("catalog invalidation requested",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.Strings("providers", req.Providers))
	_ = utils.WriteAccepted(w, req, "Invalidation accepted")
}

func knownCapability(c string) bool {
	for _, known := range catalogcache.Capabilities {
		if c == known {
			return true
		}
	}
	return false
}
