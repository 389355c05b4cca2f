package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/utils"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Check is one readiness probe, e.g. a database or Redis ping
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	checks  []Check
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. Nil check functions are skipped so
// optional dependencies can be passed unconditionally.
func NewHealthHandler(logger *zap.Logger, checks ...Check) *HealthHandler {
	active := make([]Check, 0, len(checks))
	for _, c := range checks {
		if c.Fn != nil {
			active = append(active, c)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Name < active[j].Name })
	return &HealthHandler{
		checks:  active,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// HandleHealth handles GET /healthz. Always 200 while the process serves requests.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadiness handles GET /readyz by running every dependency check
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	allHealthy := true

	for _, c := range h.checks {
		if err := c.Fn(ctx); err != nil {
			h.logger.Warn("readiness check failed",
				zap.String("check", c.Name),
				zap.Error(err))
			checks[c.Name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[c.Name] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}
