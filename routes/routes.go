package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/upb/llm-gateway/app"
	"github.com/upb/llm-gateway/handlers"
	"github.com/upb/llm-gateway/utils"
)

var errNoProviders = errors.New("no providers registered")

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	cfg := deps.Config
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	healthHandler := handlers.NewHealthHandler(deps.Logger, readinessChecks(deps)...)
	r.Get("/healthz", healthHandler.HandleHealth)
	r.Get("/readyz", healthHandler.HandleReadiness)

	if cfg.Observability.MetricsEnabled && deps.Metrics != nil {
		r.Handle(cfg.Observability.MetricsPath, promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	catalogHandler := handlers.NewCatalogHandler(deps.Catalog, deps.Logger)
	providerHealthHandler := handlers.NewProviderHealthHandler(deps.Tracker, deps.Logger)
	inferenceHandler := handlers.NewInferenceHandler(deps.Inference, deps.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/models", catalogHandler.HandleListModels)

		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Post("/models/invalidate", catalogHandler.HandleInvalidate)
			r.Get("/providers/health", providerHealthHandler.HandleProviderHealth)
			r.Post("/chat/completions", inferenceHandler.HandleChatCompletion)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteJSON(w, http.StatusMethodNotAllowed, utils.ErrorResponse{
			Error:   "method_not_allowed",
			Message: r.Method + " is not supported on " + r.URL.Path,
		})
	})

	return r
}

func readinessChecks(deps *app.Dependencies) []handlers.Check {
	var checks []handlers.Check
	if deps.DB != nil {
		checks = append(checks, handlers.Check{Name: "database", Fn: deps.DB.HealthCheck})
	}
	if deps.Redis != nil {
		checks = append(checks, handlers.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		}})
	}
	if deps.Providers != nil {
		checks = append(checks, handlers.Check{Name: "providers", Fn: func(context.Context) error {
			if deps.Providers.Count() == 0 {
				return errNoProviders
			}
			return nil
		}})
	}
	return checks
}
