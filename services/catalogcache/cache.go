// Package catalogcache serves catalog snapshots through an in-process tier, a shared tier
// and a durable fallback, rebuilding at most once per key across the cluster.
package catalogcache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/events"
)

const (
	snapshotKey = "snapshot"
	lockKey     = "lock:snapshot"
)

var errLockWaitExceeded = errors.New("timed out waiting for another instance to rebuild the catalog")

// Config holds the tier TTLs and stampede-control bounds
type Config struct {
	LocalTTL  time.Duration
	LocalSize int
	SharedTTL time.Duration

	LockTTL  time.Duration
	LockPoll time.Duration
	LockWait time.Duration

	StoreTimeout      time.Duration
	InvalidateTimeout time.Duration
}

// DefaultConfig returns the default cache settings
func DefaultConfig() Config {
	return Config{
		LocalTTL:          30 * time.Second,
		LocalSize:         128,
		SharedTTL:         10 * time.Minute,
		LockTTL:           30 * time.Second,
		LockPoll:          100 * time.Millisecond,
		LockWait:          3 * time.Second,
		StoreTimeout:      2 * time.Second,
		InvalidateTimeout: 5 * time.Second,
	}
}

// Cache is the catalog consumer entry point
type Cache struct {
	builder Builder
	local   *LocalCache
	shared  SharedStore
	durable SnapshotStore
	config  Config
	sink    events.Sink
	logger  *zap.Logger

	group         singleflight.Group
	current       atomic.Pointer[models.CatalogSnapshot]
	invalidatedAt atomic.Int64

	mu      sync.Mutex
	pending map[string]bool
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewCache creates a cache. shared and durable may be nil, in which case that tier is skipped.
func NewCache(builder Builder, shared SharedStore, durable SnapshotStore, config Config, sink events.Sink, logger *zap.Logger) *Cache {
	def := DefaultConfig()
	if config.LocalTTL <= 0 {
		config.LocalTTL = def.LocalTTL
	}
	if config.SharedTTL <= 0 {
		config.SharedTTL = def.SharedTTL
	}
	if config.LockTTL <= 0 {
		config.LockTTL = def.LockTTL
	}
	if config.LockPoll <= 0 {
		config.LockPoll = def.LockPoll
	}
	if config.LockWait <= 0 {
		config.LockWait = def.LockWait
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = def.StoreTimeout
	}
	if config.InvalidateTimeout <= 0 {
		config.InvalidateTimeout = def.InvalidateTimeout
	}

	return &Cache{
		builder: builder,
		local:   NewLocalCache(config.LocalSize, config.LocalTTL),
		shared:  shared,
		durable: durable,
		config:  config,
		sink:    events.OrNop(sink),
		logger:  logger,
		pending: make(map[string]bool),
		now:     time.Now,
	}
}

// GetCatalog returns the catalog view for a request shape
func (c *Cache) GetCatalog(ctx context.Context, filter Filter, dedup bool) (*models.CatalogSnapshot, error) {
	filter = filter.Normalize()
	key := viewKey(filter, dedup)

	if view := c.local.Get(key); view != nil {
		return view, nil
	}

	// the load outlives any single caller; waiters still return on their own cancellation
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.loadView(context.WithoutCancel(ctx), filter, dedup, key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.CatalogSnapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) loadView(ctx context.Context, filter Filter, dedup bool, key string) (*models.CatalogSnapshot, error) {
	if view := c.sharedGet(ctx, key); view != nil && c.usable(view, 0) {
		c.local.Set(key, view)
		return view, nil
	}

	snapshot, err := c.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	view := BuildView(snapshot, filter, dedup)
	c.local.Set(key, view)
	if c.usable(snapshot, 0) {
		c.sharedSet(ctx, key, view)
	}
	return view, nil
}

// Snapshot returns the full deduplicated snapshot, rebuilding it when it has expired.
// When a rebuild is impossible the last known-good snapshot is returned.
func (c *Cache) Snapshot(ctx context.Context) (*models.CatalogSnapshot, error) {
	if s := c.current.Load(); s != nil && c.usable(s, 0) {
		return s, nil
	}

	ch := c.group.DoChan(snapshotKey, func() (interface{}, error) {
		return c.refresh(context.WithoutCancel(ctx), 0)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.CatalogSnapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Current returns the last installed snapshot without triggering a rebuild
func (c *Cache) Current() *models.CatalogSnapshot {
	return c.current.Load()
}

// Prime installs a snapshot loaded elsewhere, typically the durable one at startup
func (c *Cache) Prime(s *models.CatalogSnapshot) {
	if s != nil {
		c.install(s)
	}
}

// refresh finds or builds a snapshot with more than margin of life left
func (c *Cache) refresh(ctx context.Context, margin time.Duration) (*models.CatalogSnapshot, error) {
	if s := c.sharedSnapshot(ctx, margin); s != nil {
		return s, nil
	}

	if c.current.Load() == nil {
		if s := c.durableSnapshot(ctx); s != nil && c.usable(s, margin) {
			c.install(s)
			c.sharedSet(ctx, snapshotKey, s)
			return s, nil
		}
	}

	if c.shared == nil {
		return c.rebuild(ctx)
	}

	token, acquired, err := c.shared.TryLock(ctx, lockKey, c.config.LockTTL)
	switch {
	case err != nil:
		// no cluster coordination available; singleflight still allows one rebuild per instance
		c.logger.Warn("catalog rebuild lock unavailable, rebuilding locally", zap.Error(err))
		return c.rebuild(ctx)
	case acquired:
		defer func() {
			if err := c.shared.Unlock(ctx, lockKey, token); err != nil {
				c.logger.Warn("failed to release catalog rebuild lock", zap.Error(err))
			}
		}()
		// the previous holder may have finished between our read and the lock
		if s := c.sharedSnapshot(ctx, margin); s != nil {
			return s, nil
		}
		return c.rebuild(ctx)
	default:
		return c.waitForRebuild(ctx, margin)
	}
}

func (c *Cache) rebuild(ctx context.Context) (*models.CatalogSnapshot, error) {
	snapshot, err := c.builder.BuildSnapshot(ctx)
	if err != nil {
		c.logger.Error("catalog rebuild failed", zap.Error(err))
		return c.stale(ctx, err)
	}

	c.install(snapshot)
	c.sharedSet(ctx, snapshotKey, snapshot)
	c.persist(snapshot)
	return snapshot, nil
}

// waitForRebuild polls the shared tier while another instance holds the lock
func (c *Cache) waitForRebuild(ctx context.Context, margin time.Duration) (*models.CatalogSnapshot, error) {
	deadline := time.NewTimer(c.config.LockWait)
	defer deadline.Stop()
	ticker := time.NewTicker(c.config.LockPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s := c.sharedSnapshot(ctx, margin); s != nil {
				return s, nil
			}
		case <-deadline.C:
			return c.stale(ctx, errLockWaitExceeded)
		}
	}
}

// stale serves the last known-good snapshot, from memory or the durable store
func (c *Cache) stale(ctx context.Context, cause error) (*models.CatalogSnapshot, error) {
	if s := c.current.Load(); s != nil {
		c.logger.Warn("serving stale catalog",
			zap.Uint64("version", s.Version),
			zap.Time("built_at", s.BuiltAt),
			zap.NamedError("cause", cause))
		return s, nil
	}

	if s := c.durableSnapshot(ctx); s != nil {
		c.logger.Warn("serving durable catalog",
			zap.Uint64("version", s.Version),
			zap.NamedError("cause", cause))
		c.install(s)
		return s, nil
	}

	return nil, services.WrapError(services.ErrorTypeCatalogUnavailable, "no catalog snapshot available", cause)
}

// install swaps the current snapshot, never replacing it with an older build. The
// builder's version counter is raised past s so a later local build numbers above it.
func (c *Cache) install(s *models.CatalogSnapshot) {
	c.observe(s)
	for {
		cur := c.current.Load()
		if cur != nil && s.BuiltAt.Before(cur.BuiltAt) {
			return
		}
		if c.current.CompareAndSwap(cur, s) {
			return
		}
	}
}

// observe advances the builder's version counter past a snapshot built elsewhere
func (c *Cache) observe(s *models.CatalogSnapshot) {
	if seeder, ok := c.builder.(VersionSeeder); ok {
		seeder.SeedVersion(s.Version)
	}
}

// usable reports whether s is neither invalidated nor within margin of expiry
func (c *Cache) usable(s *models.CatalogSnapshot, margin time.Duration) bool {
	if s.BuiltAt.UnixNano() <= c.invalidatedAt.Load() {
		return false
	}
	return !s.Expired(c.now().Add(margin))
}

func (c *Cache) sharedGet(ctx context.Context, key string) *models.CatalogSnapshot {
	if c.shared == nil {
		return nil
	}
	s, err := c.shared.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("shared catalog tier read failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	}
	c.observe(s)
	return s
}

func (c *Cache) sharedSnapshot(ctx context.Context, margin time.Duration) *models.CatalogSnapshot {
	s := c.sharedGet(ctx, snapshotKey)
	if s == nil || !c.usable(s, margin) {
		return nil
	}
	c.install(s)
	return s
}

// sharedSet writes with the snapshot's remaining lifetime, capped by the shared TTL
func (c *Cache) sharedSet(ctx context.Context, key string, s *models.CatalogSnapshot) {
	if c.shared == nil {
		return
	}
	ttl := c.config.SharedTTL
	if s.TTL > 0 {
		if remaining := s.BuiltAt.Add(s.TTL).Sub(c.now()); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}
	if err := c.shared.Set(ctx, key, s, ttl); err != nil {
		c.logger.Warn("shared catalog tier write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) durableSnapshot(ctx context.Context) *models.CatalogSnapshot {
	if c.durable == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.StoreTimeout)
	defer cancel()

	s, err := c.durable.LatestSnapshot(ctx)
	if err != nil {
		c.logger.Warn("durable catalog read failed", zap.Error(err))
		return nil
	}
	return s
}

// persist saves a snapshot durably off the request path
func (c *Cache) persist(s *models.CatalogSnapshot) {
	if c.durable == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.config.StoreTimeout)
		defer cancel()
		if err := c.durable.SaveSnapshot(ctx, s); err != nil {
			c.logger.Error("failed to persist catalog snapshot", zap.Uint64("version", s.Version), zap.Error(err))
		}
	}()
}

// Invalidate drops every cached entry that depends on the given providers. Local entries
// go at once; shared keys are removed in the background with one pipelined call. A provider
// whose invalidation is still in flight is coalesced. Returns false when no slug was given.
func (c *Cache) Invalidate(ctx context.Context, slugs []string) bool {
	slugs = normalizeSlugs(slugs)
	if len(slugs) == 0 {
		return false
	}

	c.mu.Lock()
	var fresh []string
	for _, s := range slugs {
		if !c.pending[s] {
			c.pending[s] = true
			fresh = append(fresh, s)
		}
	}
	c.mu.Unlock()

	c.markInvalidated()
	dropped := c.local.InvalidateProviders(slugs)
	c.logger.Info("catalog invalidation accepted",
		zap.Strings("providers", slugs),
		zap.Int("local_entries", dropped),
		zap.Int("coalesced", len(slugs)-len(fresh)))

	if len(fresh) == 0 {
		return true
	}

	c.wg.Add(1)
	go c.invalidateShared(context.WithoutCancel(ctx), fresh)
	return true
}

func (c *Cache) markInvalidated() {
	now := c.now().UnixNano()
	for {
		cur := c.invalidatedAt.Load()
		if cur >= now || c.invalidatedAt.CompareAndSwap(cur, now) {
			return
		}
	}
}

func (c *Cache) invalidateShared(ctx context.Context, slugs []string) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		for _, s := range slugs {
			delete(c.pending, s)
		}
		c.mu.Unlock()
	}()

	keys := append([]string{snapshotKey}, viewKeysFor(slugs)...)
	outcome := models.InvalidationOutcome{Providers: slugs}

	if c.shared != nil {
		ctx, cancel := context.WithTimeout(ctx, c.config.InvalidateTimeout)
		deleted, err := c.shared.Delete(ctx, keys)
		cancel()
		outcome.Keys = int(deleted)
		if err != nil {
			outcome.Error = err.Error()
			c.logger.Error("shared catalog invalidation failed", zap.Strings("providers", slugs), zap.Error(err))
		}
	}

	if outcome.Error == "" {
		c.logger.Info("catalog invalidation completed",
			zap.Strings("providers", slugs),
			zap.Int("keys_deleted", outcome.Keys))
	}
	c.sink.Invalidation(outcome)
}

// StartRefreshWorker rebuilds the snapshot ahead of expiry until ctx is done
func (c *Cache) StartRefreshWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("catalog refresh worker stopped")
			return
		case <-ticker.C:
			if s := c.current.Load(); s != nil && c.usable(s, interval) {
				continue
			}
			_, err, _ := c.group.Do(snapshotKey, func() (interface{}, error) {
				return c.refresh(ctx, interval)
			})
			if err != nil {
				c.logger.Warn("proactive catalog refresh failed", zap.Error(err))
			}
		}
	}
}

// Close waits for background invalidations and durable writes
func (c *Cache) Close() {
	c.wg.Wait()
}

// Stats reports the local tier statistics
func (c *Cache) Stats() CacheStats {
	return c.local.Stats()
}

func normalizeSlugs(slugs []string) []string {
	seen := make(map[string]bool, len(slugs))
	out := make([]string, 0, len(slugs))
	for _, s := range slugs {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
