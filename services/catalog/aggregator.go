// Package catalog builds versioned catalog snapshots from every registered provider.
package catalog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services/events"
	"github.com/upb/llm-gateway/services/providers"
)

var (
	// ErrNoProviders is returned when the registry is empty
	ErrNoProviders = errors.New("no providers registered")

	// ErrNoListings is returned when no provider responded before the deadline
	ErrNoListings = errors.New("no provider returned a model listing")
)

// Config controls one aggregation run
type Config struct {
	WorkerLimit    int
	Deadline       time.Duration
	QuorumFraction float64
	SnapshotTTL    time.Duration
}

// DefaultConfig returns the default aggregation settings
func DefaultConfig() Config {
	return Config{
		WorkerLimit:    8,
		Deadline:       10 * time.Second,
		QuorumFraction: 0.5,
		SnapshotTTL:    10 * time.Minute,
	}
}

// Aggregator fans out to every provider's model listing and merges the results
type Aggregator struct {
	registry *providers.Registry
	config   Config
	sink     events.Sink
	logger   *zap.Logger
	version  atomic.Uint64
	now      func() time.Time
}

// NewAggregator creates a new aggregator
func NewAggregator(registry *providers.Registry, config Config, sink events.Sink, logger *zap.Logger) *Aggregator {
	def := DefaultConfig()
	if config.WorkerLimit <= 0 {
		config.WorkerLimit = def.WorkerLimit
	}
	if config.Deadline <= 0 {
		config.Deadline = def.Deadline
	}
	if config.QuorumFraction < 0 || config.QuorumFraction > 1 {
		config.QuorumFraction = def.QuorumFraction
	}

	return &Aggregator{
		registry: registry,
		config:   config,
		sink:     events.OrNop(sink),
		logger:   logger,
		now:      time.Now,
	}
}

// SeedVersion makes later snapshots number strictly above v. It never lowers the counter.
// Called at startup with the latest durable version and by the cache for every snapshot
// another instance built.
func (a *Aggregator) SeedVersion(v uint64) {
	for {
		cur := a.version.Load()
		if cur >= v || a.version.CompareAndSwap(cur, v) {
			return
		}
	}
}

// listing is one provider's contribution to a run
type listing struct {
	adapter providers.Adapter
	raw     []providers.RawModel
	err     error
	done    bool
}

// BuildSnapshot runs one aggregation. Providers that fail or miss the deadline contribute
// nothing and are listed as missing; a snapshot is returned as long as one provider answered.
func (a *Aggregator) BuildSnapshot(ctx context.Context) (*models.CatalogSnapshot, error) {
	adapters := a.registry.Adapters()
	if len(adapters) == 0 {
		return nil, ErrNoProviders
	}

	start := a.now()
	results := a.fetchAll(ctx, adapters)

	snapshot := &models.CatalogSnapshot{
		BuiltAt: start,
		TTL:     a.config.SnapshotTTL,
	}

	var responded []*listing
	for _, l := range results {
		slug := l.adapter.Info().Slug
		if !l.done || l.err != nil {
			snapshot.ProvidersMissing = append(snapshot.ProvidersMissing, slug)
			a.logMissing(slug, l)
			continue
		}
		snapshot.ProvidersResponded = append(snapshot.ProvidersResponded, slug)
		responded = append(responded, l)
	}

	total := len(adapters)
	snapshot.Degraded = float64(len(responded))/float64(total) < a.config.QuorumFraction
	snapshot.Models = merge(responded)
	duration := a.now().Sub(start)

	summary := models.CatalogBuildSummary{
		ProvidersResponded: snapshot.ProvidersResponded,
		ProvidersMissing:   snapshot.ProvidersMissing,
		Duration:           duration,
		Degraded:           snapshot.Degraded,
		ModelCount:         len(snapshot.Models),
	}

	if len(responded) == 0 {
		a.sink.CatalogBuild(summary)
		return nil, ErrNoListings
	}

	snapshot.Version = a.version.Add(1)
	summary.Version = snapshot.Version
	a.sink.CatalogBuild(summary)

	fields := []zap.Field{
		zap.Uint64("version", snapshot.Version),
		zap.Int("models", len(snapshot.Models)),
		zap.Int("responded", len(responded)),
		zap.Int("total", total),
		zap.Duration("duration", duration),
	}
	if snapshot.Degraded {
		a.logger.Warn("catalog degraded: provider quorum not reached", append(fields, zap.Strings("missing", snapshot.ProvidersMissing))...)
	} else {
		a.logger.Info("catalog snapshot built", fields...)
	}

	return snapshot, nil
}

// fetchAll lists every provider concurrently, at most WorkerLimit at a time, and returns
// whatever arrived when the run deadline passed. Results are in adapter order.
func (a *Aggregator) fetchAll(ctx context.Context, adapters []providers.Adapter) []*listing {
	ctx, cancel := context.WithTimeout(ctx, a.config.Deadline)
	defer cancel()

	var mu sync.Mutex
	closed := false
	results := make([]*listing, len(adapters))
	for i, adapter := range adapters {
		results[i] = &listing{adapter: adapter}
	}

	sem := semaphore.NewWeighted(int64(a.config.WorkerLimit))
	var g errgroup.Group
	for i, adapter := range adapters {
		i, adapter := i, adapter
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			timeout := adapter.Info().Timeout
			if deadline, ok := ctx.Deadline(); ok {
				if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
					timeout = remaining
				}
			}
			raw, err := adapter.ListModels(ctx, timeout)

			mu.Lock()
			defer mu.Unlock()
			if !closed {
				results[i].raw, results[i].err, results[i].done = raw, err, true
			}
			return nil
		})
	}

	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}

	mu.Lock()
	closed = true
	mu.Unlock()
	return results
}

func (a *Aggregator) logMissing(slug string, l *listing) {
	if !l.done {
		a.logger.Warn("provider listing missed catalog deadline", zap.String("provider", slug))
		return
	}
	a.logger.Warn("provider listing failed",
		zap.String("provider", slug),
		zap.String("kind", string(providers.KindOf(l.err))),
		zap.Error(l.err))
}

// merge normalizes and deduplicates listings, which arrive in provider priority order
func merge(listings []*listing) []models.CanonicalModel {
	byID := make(map[string]*models.CanonicalModel)
	var order []string

	for _, l := range listings {
		for _, raw := range l.raw {
			variant := l.adapter.Normalize(raw)
			if variant.ProviderModelID == "" {
				continue
			}
			id := CanonicalID(modelName(variant.ProviderModelID))
			if id == "" {
				continue
			}
			variant.CanonicalID = id

			model, ok := byID[id]
			if !ok {
				name := variant.DisplayName
				if name == "" {
					name = variant.ProviderModelID
				}
				model = &models.CanonicalModel{ID: id, DisplayName: name}
				byID[id] = model
				order = append(order, id)
			}
			// one variant per provider; a provider listing two spellings keeps its first
			if _, dup := model.Variant(variant.Provider); dup {
				continue
			}
			model.Variants = append(model.Variants, variant)
		}
	}

	out := make([]models.CanonicalModel, 0, len(order))
	for _, id := range order {
		model := byID[id]
		model.CheapestVariant = Cheapest(model.Variants)
		model.FastestVariant = Fastest(model.Variants)
		out = append(out, *model)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cheapest returns the provider with the lowest unit price, then per-request fee.
// Earlier variants win ties.
func Cheapest(variants []models.ModelVariant) string {
	best := -1
	for i, v := range variants {
		if best < 0 {
			best = i
			continue
		}
		b := variants[best].Pricing
		if v.Pricing.UnitCost() < b.UnitCost() ||
			(v.Pricing.UnitCost() == b.UnitCost() && v.Pricing.PerRequest < b.PerRequest) {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return variants[best].Provider
}

// Fastest returns the provider with the lowest base timeout. Earlier variants win ties.
func Fastest(variants []models.ModelVariant) string {
	best := -1
	for i, v := range variants {
		if best < 0 || (v.Timeout > 0 && (variants[best].Timeout <= 0 || v.Timeout < variants[best].Timeout)) {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return variants[best].Provider
}
