// Package routing dispatches a chat request to the best available provider variant of a
// canonical model, failing over down the ranked candidate list.
package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/health"
	"github.com/upb/llm-gateway/services/providers"
)

// Skip reasons recorded for candidates that were never called
const (
	SkipBreakerOpen      = "breaker_open"
	SkipBreakerProbeBusy = "breaker_probe_busy"
	SkipAdapterMissing   = "adapter_missing"
)

// SnapshotSource yields the current catalog snapshot
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*models.CatalogSnapshot, error)
}

// HealthTracker is the subset of the health tracker the dispatcher drives
type HealthTracker interface {
	View(provider, model string) health.View
	Admit(provider, model string) (health.Permit, bool)
	Report(p health.Permit, o health.Outcome)
	Abandon(p health.Permit)
}

// AdapterSource resolves a provider slug to its adapter
type AdapterSource interface {
	Get(slug string) (providers.Adapter, error)
}

// Config holds dispatcher settings
type Config struct {
	// AttemptTimeout is used when the caller does not pass a per-attempt timeout
	AttemptTimeout time.Duration
}

// DefaultConfig returns the default dispatcher settings
func DefaultConfig() Config {
	return Config{AttemptTimeout: 30 * time.Second}
}

// Attempt is one candidate the dispatcher considered
type Attempt struct {
	Provider        string        `json:"provider"`
	ProviderModelID string        `json:"provider_model_id"`
	Kind            string        `json:"kind"`
	Detail          string        `json:"detail,omitempty"`
	Latency         time.Duration `json:"latency,omitempty"`
}

// ExhaustedError is returned when no candidate produced a response. Attempts lists every
// provider that was called with the failure kind; Skipped lists the ones that were not.
type ExhaustedError struct {
	Model    string    `json:"model"`
	Reason   string    `json:"reason,omitempty"`
	Attempts []Attempt `json:"attempts"`
	Skipped  []Attempt `json:"skipped,omitempty"`
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no provider available for %s: %s", e.Model, e.Reason)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Provider+"="+a.Kind)
	}
	return fmt.Sprintf("all %d candidates failed for %s (%s)", len(e.Attempts), e.Model, strings.Join(parts, ", "))
}

// Unwrap lets services.IsProvidersExhaustedError recognize the failure
func (e *ExhaustedError) Unwrap() error {
	return services.ErrProvidersExhausted
}

// DispatchResult is a successful dispatch
type DispatchResult struct {
	Response *providers.ChatResponse
	Variant  models.ModelVariant
	Attempts []Attempt // failed attempts before the one that succeeded
}

type candidate struct {
	variant models.ModelVariant
	view    health.View
}

// Dispatcher ranks the variants of a canonical model and calls them in order until one succeeds
type Dispatcher struct {
	catalog  SnapshotSource
	tracker  HealthTracker
	adapters AdapterSource
	config   Config
	logger   *zap.Logger
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(catalog SnapshotSource, tracker HealthTracker, adapters AdapterSource, config Config, logger *zap.Logger) *Dispatcher {
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	return &Dispatcher{
		catalog:  catalog,
		tracker:  tracker,
		adapters: adapters,
		config:   config,
		logger:   logger,
	}
}

// Resolve returns the canonical model from the current snapshot
func (d *Dispatcher) Resolve(ctx context.Context, canonicalID string) (*models.CanonicalModel, error) {
	snapshot, err := d.catalog.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	model, ok := snapshot.Model(canonicalID)
	if !ok {
		return nil, services.ErrModelNotFound
	}
	return model, nil
}

// Dispatch runs req against the ranked variants of canonicalID. Each candidate is tried at
// most once. If ctx is cancelled the in-flight call is abandoned and ctx.Err() is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, canonicalID string, req *providers.ChatRequest, perAttemptTimeout time.Duration) (*DispatchResult, error) {
	model, err := d.Resolve(ctx, canonicalID)
	if err != nil {
		return nil, err
	}
	return d.DispatchModel(ctx, model, req, perAttemptTimeout)
}

// DispatchModel is Dispatch for an already resolved model
func (d *Dispatcher) DispatchModel(ctx context.Context, model *models.CanonicalModel, req *providers.ChatRequest, perAttemptTimeout time.Duration) (*DispatchResult, error) {
	if perAttemptTimeout <= 0 {
		perAttemptTimeout = d.config.AttemptTimeout
	}

	ranked, skipped := d.rank(model)
	exhausted := &ExhaustedError{Model: model.ID, Skipped: skipped}
	if len(ranked) == 0 {
		exhausted.Reason = "every candidate is behind an open circuit breaker"
		if len(model.Variants) == 0 {
			exhausted.Reason = "model has no variants"
		}
		d.logger.Warn("no dispatch candidates", zap.String("model", model.ID), zap.String("reason", exhausted.Reason))
		return nil, exhausted
	}

	for _, c := range ranked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		v := c.variant
		adapter, err := d.adapters.Get(v.Provider)
		if err != nil {
			exhausted.Skipped = append(exhausted.Skipped, Attempt{Provider: v.Provider, ProviderModelID: v.ProviderModelID, Kind: SkipAdapterMissing})
			continue
		}

		permit, ok := d.tracker.Admit(v.Provider, model.ID)
		if !ok {
			kind := SkipBreakerOpen
			if c.view.Breaker == models.BreakerHalfOpen {
				kind = SkipBreakerProbeBusy
			}
			exhausted.Skipped = append(exhausted.Skipped, Attempt{Provider: v.Provider, ProviderModelID: v.ProviderModelID, Kind: kind})
			continue
		}

		timeout := perAttemptTimeout
		if v.Timeout > 0 && v.Timeout < timeout {
			timeout = v.Timeout
		}

		start := time.Now()
		resp, err := adapter.Complete(ctx, req, v.ProviderModelID, timeout)
		latency := time.Since(start)

		if ctxErr := ctx.Err(); ctxErr != nil {
			// the caller went away; this attempt says nothing about the provider
			d.tracker.Abandon(permit)
			d.logger.Debug("dispatch cancelled",
				zap.String("model", model.ID),
				zap.String("provider", v.Provider),
				zap.Error(ctxErr))
			return nil, ctxErr
		}

		if err == nil {
			resp.Latency = latency
			if resp.Provider == "" {
				resp.Provider = v.Provider
			}
			d.tracker.Report(permit, health.Outcome{Status: models.OutcomeSuccess, Latency: latency})
			return &DispatchResult{Response: resp, Variant: v, Attempts: exhausted.Attempts}, nil
		}

		kind := providers.KindOf(err)
		d.tracker.Report(permit, health.Outcome{Status: kind.Outcome(), Latency: latency, Detail: err.Error()})
		exhausted.Attempts = append(exhausted.Attempts, Attempt{
			Provider:        v.Provider,
			ProviderModelID: v.ProviderModelID,
			Kind:            string(kind),
			Detail:          err.Error(),
			Latency:         latency,
		})
		d.logger.Warn("provider attempt failed, trying next candidate",
			zap.String("model", model.ID),
			zap.String("provider", v.Provider),
			zap.String("kind", string(kind)),
			zap.Duration("latency", latency),
			zap.Error(err))
	}

	if len(exhausted.Attempts) == 0 {
		exhausted.Reason = "no candidate could be admitted"
	}
	d.logger.Error("all dispatch candidates exhausted",
		zap.String("model", model.ID),
		zap.Int("attempts", len(exhausted.Attempts)),
		zap.Int("skipped", len(exhausted.Skipped)))
	return nil, exhausted
}

// rank orders the variants by health status, average latency and price. Variants behind an
// open breaker are left out and returned as skipped.
func (d *Dispatcher) rank(model *models.CanonicalModel) ([]candidate, []Attempt) {
	var (
		ranked  []candidate
		skipped []Attempt
	)
	for _, v := range model.Variants {
		view := d.tracker.View(v.Provider, model.ID)
		if view.Breaker == models.BreakerOpen {
			skipped = append(skipped, Attempt{Provider: v.Provider, ProviderModelID: v.ProviderModelID, Kind: SkipBreakerOpen})
			continue
		}
		ranked = append(ranked, candidate{variant: v, view: view})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if ra, rb := a.view.Status.Rank(), b.view.Status.Rank(); ra != rb {
			return ra < rb
		}
		if a.view.AvgLatency != b.view.AvgLatency {
			return a.view.AvgLatency < b.view.AvgLatency
		}
		if ca, cb := a.variant.Pricing.UnitCost(), b.variant.Pricing.UnitCost(); ca != cb {
			return ca < cb
		}
		return a.variant.Pricing.PerRequest < b.variant.Pricing.PerRequest
	})
	return ranked, skipped
}
