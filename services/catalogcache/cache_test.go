package catalogcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/catalog"
	"github.com/upb/llm-gateway/services/events"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/providers/providerstest"
)

// fakeBuilder counts builds and hands out increasing versions
type fakeBuilder struct {
	calls   atomic.Int64
	version atomic.Uint64
	delay   time.Duration
	err     error
	ttl     time.Duration
}

func (b *fakeBuilder) BuildSnapshot(ctx context.Context) (*models.CatalogSnapshot, error) {
	b.calls.Add(1)
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.err != nil {
		return nil, b.err
	}
	return testSnapshot(b.version.Add(1), time.Now(), b.ttl), nil
}

func testSnapshot(version uint64, builtAt time.Time, ttl time.Duration) *models.CatalogSnapshot {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &models.CatalogSnapshot{
		Version:            version,
		BuiltAt:            builtAt,
		TTL:                ttl,
		ProvidersResponded: []string{"alpha", "beta"},
		Models: []models.CanonicalModel{
			{
				ID:              "gpt-4",
				DisplayName:     "GPT-4",
				CheapestVariant: "beta",
				FastestVariant:  "alpha",
				Variants: []models.ModelVariant{
					{Provider: "alpha", ProviderModelID: "gpt-4", CanonicalID: "gpt-4", Pricing: models.Pricing{InputPerUnit: 2}, Timeout: time.Second, Capabilities: models.Capabilities{Streaming: true}},
					{Provider: "beta", ProviderModelID: "openai/gpt-4", CanonicalID: "gpt-4", Pricing: models.Pricing{InputPerUnit: 1}, Timeout: 2 * time.Second},
				},
			},
			{
				ID:              "llama-3",
				DisplayName:     "Llama 3",
				CheapestVariant: "beta",
				FastestVariant:  "beta",
				Variants: []models.ModelVariant{
					{Provider: "beta", ProviderModelID: "llama-3", CanonicalID: "llama-3", Capabilities: models.Capabilities{Vision: true}},
				},
			},
		},
	}
}

// memoryShared is an in-memory SharedStore. Deletes can be held open with gate.
type memoryShared struct {
	mu      sync.Mutex
	data    map[string]*models.CatalogSnapshot
	locks   map[string]string
	deletes [][]string
	gate    chan struct{}
	lockErr error
	tokens  int
}

func newMemoryShared() *memoryShared {
	return &memoryShared{
		data:  make(map[string]*models.CatalogSnapshot),
		locks: make(map[string]string),
	}
}

func (m *memoryShared) Get(ctx context.Context, key string) (*models.CatalogSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return s, nil
}

func (m *memoryShared) Set(ctx context.Context, key string, s *models.CatalogSnapshot, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = s
	return nil
}

func (m *memoryShared) Delete(ctx context.Context, keys []string) (int64, error) {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, keys)
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryShared) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockErr != nil {
		return "", false, m.lockErr
	}
	if _, held := m.locks[key]; held {
		return "", false, nil
	}
	m.tokens++
	token := string(rune('a' + m.tokens))
	m.locks[key] = token
	return token, true, nil
}

func (m *memoryShared) Unlock(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] == token {
		delete(m.locks, key)
	}
	return nil
}

func (m *memoryShared) Ping(ctx context.Context) error { return nil }

func (m *memoryShared) deleteCalls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.deletes...)
}

type memoryDurable struct {
	mu    sync.Mutex
	saved []*models.CatalogSnapshot
}

func (d *memoryDurable) LatestSnapshot(ctx context.Context) (*models.CatalogSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.saved) == 0 {
		return nil, nil
	}
	return d.saved[len(d.saved)-1], nil
}

func (d *memoryDurable) SaveSnapshot(ctx context.Context, s *models.CatalogSnapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.saved = append(d.saved, s)
	return nil
}

type invalidationSink struct {
	events.Nop
	mu       sync.Mutex
	outcomes []models.InvalidationOutcome
}

func (s *invalidationSink) Invalidation(e models.InvalidationOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, e)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LockPoll = 5 * time.Millisecond
	cfg.LockWait = 200 * time.Millisecond
	return cfg
}

func TestGetCatalog_ServesFromLocalTier(t *testing.T) {
	builder := &fakeBuilder{}
	cache := NewCache(builder, newMemoryShared(), nil, testConfig(), nil, zaptest.NewLogger(t))

	first, err := cache.GetCatalog(context.Background(), Filter{}, true)
	require.NoError(t, err)
	second, err := cache.GetCatalog(context.Background(), Filter{}, true)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int64(1), builder.calls.Load())
	assert.Equal(t, uint64(1), cache.Stats().Hits)
}

func TestGetCatalog_ConcurrentReadersTriggerOneRebuild(t *testing.T) {
	builder := &fakeBuilder{delay: 50 * time.Millisecond}
	cache := NewCache(builder, newMemoryShared(), nil, testConfig(), nil, zaptest.NewLogger(t))
	cache.Prime(testSnapshot(7, time.Now().Add(-2*time.Hour), time.Hour))

	const readers = 50
	var wg sync.WaitGroup
	results := make([]*models.CatalogSnapshot, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dedup := i%2 == 0
			results[i], errs[i] = cache.GetCatalog(context.Background(), Filter{}, dedup)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), builder.calls.Load())
	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Contains(t, []uint64{1, 7}, results[i].Version)
	}
}

func TestGetCatalog_InstancesShareOneRebuild(t *testing.T) {
	shared := newMemoryShared()
	b1 := &fakeBuilder{delay: 50 * time.Millisecond}
	b2 := &fakeBuilder{delay: 50 * time.Millisecond}
	c1 := NewCache(b1, shared, nil, testConfig(), nil, zaptest.NewLogger(t))
	c2 := NewCache(b2, shared, nil, testConfig(), nil, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	versions := make([]uint64, 4)
	for i, c := range []*Cache{c1, c2, c1, c2} {
		wg.Add(1)
		go func(i int, c *Cache) {
			defer wg.Done()
			view, err := c.GetCatalog(context.Background(), Filter{}, true)
			if assert.NoError(t, err) {
				versions[i] = view.Version
			}
		}(i, c)
	}
	wg.Wait()

	assert.Equal(t, int64(1), b1.calls.Load()+b2.calls.Load())
	assert.Equal(t, []uint64{1, 1, 1, 1}, versions)
}

func newAggregator(t *testing.T) *catalog.Aggregator {
	t.Helper()
	registry := providers.NewRegistry()
	require.NoError(t, registry.Register(providerstest.New("alpha", 1).WithModels("gpt-4")))
	return catalog.NewAggregator(registry, catalog.DefaultConfig(), nil, zaptest.NewLogger(t))
}

func TestVersionsStayMonotonicAcrossInstances(t *testing.T) {
	ctx := context.Background()
	shared := newMemoryShared()
	durable := &memoryDurable{}
	a := NewCache(newAggregator(t), shared, durable, testConfig(), nil, zaptest.NewLogger(t))
	b := NewCache(newAggregator(t), shared, nil, testConfig(), nil, zaptest.NewLogger(t))

	first, err := a.rebuild(ctx)
	require.NoError(t, err)
	second, err := a.rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, []uint64{first.Version, second.Version})

	served, err := b.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), served.Version, "b serves the shared build")

	rebuilt, err := b.rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rebuilt.Version)

	t.Run("durable snapshot seeds a cold instance", func(t *testing.T) {
		a.Close()
		cold := NewCache(newAggregator(t), nil, durable, testConfig(), nil, zaptest.NewLogger(t))

		restored, err := cold.Snapshot(ctx)
		require.NoError(t, err)
		require.Contains(t, []uint64{1, 2}, restored.Version)

		next, err := cold.rebuild(ctx)
		require.NoError(t, err)
		assert.Equal(t, restored.Version+1, next.Version)
	})

	t.Run("shared views seed the counter", func(t *testing.T) {
		c := NewCache(newAggregator(t), shared, nil, testConfig(), nil, zaptest.NewLogger(t))
		require.NoError(t, shared.Set(ctx, viewKey(Filter{}.Normalize(), true), testSnapshot(9, time.Now(), time.Hour), time.Hour))

		view, err := c.GetCatalog(ctx, Filter{}, true)
		require.NoError(t, err)
		require.Equal(t, uint64(9), view.Version)

		next, err := c.rebuild(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), next.Version)
	})
}

func TestGetCatalog_LockWaitFallsBackToStale(t *testing.T) {
	shared := newMemoryShared()
	shared.locks[lockKey] = "other-instance"
	builder := &fakeBuilder{}

	cache := NewCache(builder, shared, nil, testConfig(), nil, zaptest.NewLogger(t))
	stale := testSnapshot(3, time.Now().Add(-2*time.Hour), time.Hour)
	cache.Prime(stale)

	started := time.Now()
	got, err := cache.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Same(t, stale, got)
	assert.Zero(t, builder.calls.Load())
	assert.GreaterOrEqual(t, time.Since(started), 200*time.Millisecond)
}

func TestGetCatalog_RebuildFailure(t *testing.T) {
	t.Run("serves last known good", func(t *testing.T) {
		builder := &fakeBuilder{err: errors.New("every provider failed")}
		cache := NewCache(builder, newMemoryShared(), nil, testConfig(), nil, zaptest.NewLogger(t))
		stale := testSnapshot(5, time.Now().Add(-2*time.Hour), time.Hour)
		cache.Prime(stale)

		got, err := cache.GetCatalog(context.Background(), Filter{}, true)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), got.Version)
	})

	t.Run("serves durable snapshot", func(t *testing.T) {
		durable := &memoryDurable{}
		require.NoError(t, durable.SaveSnapshot(context.Background(), testSnapshot(9, time.Now().Add(-2*time.Hour), time.Hour)))

		builder := &fakeBuilder{err: errors.New("every provider failed")}
		cache := NewCache(builder, nil, durable, testConfig(), nil, zaptest.NewLogger(t))

		got, err := cache.Snapshot(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(9), got.Version)
		assert.Equal(t, int64(1), builder.calls.Load())
	})

	t.Run("nothing to serve", func(t *testing.T) {
		builder := &fakeBuilder{err: errors.New("every provider failed")}
		cache := NewCache(builder, nil, nil, testConfig(), nil, zaptest.NewLogger(t))

		_, err := cache.GetCatalog(context.Background(), Filter{}, true)
		require.Error(t, err)
		assert.True(t, services.IsCatalogUnavailableError(err))
	})
}

func TestGetCatalog_ColdStartUsesFreshDurableSnapshot(t *testing.T) {
	durable := &memoryDurable{}
	require.NoError(t, durable.SaveSnapshot(context.Background(), testSnapshot(12, time.Now(), time.Hour)))
	shared := newMemoryShared()
	builder := &fakeBuilder{}

	cache := NewCache(builder, shared, durable, testConfig(), nil, zaptest.NewLogger(t))
	got, err := cache.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(12), got.Version)
	assert.Zero(t, builder.calls.Load())
	_, err = shared.Get(context.Background(), snapshotKey)
	assert.NoError(t, err, "durable snapshot is promoted to the shared tier")
}

func TestGetCatalog_SharedTierUnavailable(t *testing.T) {
	shared := newMemoryShared()
	shared.lockErr = ErrSharedUnavailable
	durable := &memoryDurable{}
	builder := &fakeBuilder{}

	cache := NewCache(builder, shared, durable, testConfig(), nil, zaptest.NewLogger(t))
	got, err := cache.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)

	cache.Close()
	latest, err := durable.LatestSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(1), latest.Version)
}

func TestGetCatalog_CallerCancellation(t *testing.T) {
	builder := &fakeBuilder{delay: 100 * time.Millisecond}
	cache := NewCache(builder, nil, nil, testConfig(), nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := cache.GetCatalog(ctx, Filter{}, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Eventually(t, func() bool { return cache.Current() != nil }, time.Second, 10*time.Millisecond,
		"the rebuild completes for later readers")
}

func TestInvalidate_IsIdempotent(t *testing.T) {
	shared := newMemoryShared()
	shared.gate = make(chan struct{})
	sink := &invalidationSink{}
	builder := &fakeBuilder{}

	cache := NewCache(builder, shared, nil, testConfig(), sink, zaptest.NewLogger(t))
	_, err := cache.GetCatalog(context.Background(), Filter{Provider: "alpha"}, true)
	require.NoError(t, err)
	require.Equal(t, int64(1), builder.calls.Load())

	assert.True(t, cache.Invalidate(context.Background(), []string{"alpha"}))
	assert.True(t, cache.Invalidate(context.Background(), []string{" ALPHA "}))
	close(shared.gate)
	cache.Close()

	deletes := shared.deleteCalls()
	require.Len(t, deletes, 1, "second invalidation coalesces into the first")
	assert.Contains(t, deletes[0], snapshotKey)
	assert.Contains(t, deletes[0], viewKey(Filter{Provider: "alpha"}, true))
	assert.Contains(t, deletes[0], viewKey(Filter{}, false))
	assert.NotContains(t, deletes[0], viewKey(Filter{Provider: "beta"}, true))

	assert.Equal(t, int64(1), builder.calls.Load(), "invalidation never contacts providers")

	require.Len(t, sink.outcomes, 1)
	assert.Equal(t, []string{"alpha"}, sink.outcomes[0].Providers)
	assert.Equal(t, 2, sink.outcomes[0].Keys)

	// the next read rebuilds exactly once
	_, err = cache.GetCatalog(context.Background(), Filter{Provider: "alpha"}, true)
	require.NoError(t, err)
	_, err = cache.GetCatalog(context.Background(), Filter{Provider: "alpha"}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), builder.calls.Load())
}

func TestInvalidate_RejectsEmpty(t *testing.T) {
	cache := NewCache(&fakeBuilder{}, nil, nil, testConfig(), nil, zaptest.NewLogger(t))
	assert.False(t, cache.Invalidate(context.Background(), nil))
	assert.False(t, cache.Invalidate(context.Background(), []string{" ", ""}))
}

func TestStartRefreshWorker_RebuildsBeforeExpiry(t *testing.T) {
	builder := &fakeBuilder{ttl: time.Hour}
	cache := NewCache(builder, nil, nil, testConfig(), nil, zaptest.NewLogger(t))
	cache.Prime(testSnapshot(1, time.Now().Add(-time.Hour+10*time.Millisecond), time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cache.StartRefreshWorker(ctx, 20*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return builder.calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, uint64(1), cache.Current().Version, "rebuilt snapshot replaces the primed one")
}

func TestBuildView(t *testing.T) {
	snapshot := testSnapshot(4, time.Now(), time.Hour)

	t.Run("dedup without filter keeps everything", func(t *testing.T) {
		view := BuildView(snapshot, Filter{}, true)
		assert.Len(t, view.Models, 2)
		assert.Equal(t, uint64(4), view.Version)
	})

	t.Run("provider filter recomputes choices", func(t *testing.T) {
		view := BuildView(snapshot, Filter{Provider: "alpha"}, true)
		require.Len(t, view.Models, 1)
		assert.Equal(t, "alpha", view.Models[0].CheapestVariant)
		assert.Len(t, view.Models[0].Variants, 1)
		assert.Len(t, snapshot.Models[0].Variants, 2, "source snapshot is not mutated")
	})

	t.Run("capability filter", func(t *testing.T) {
		view := BuildView(snapshot, Filter{Capability: "vision"}, true)
		require.Len(t, view.Models, 1)
		assert.Equal(t, "llama-3", view.Models[0].ID)
	})

	t.Run("no dedup flattens variants", func(t *testing.T) {
		view := BuildView(snapshot, Filter{}, false)
		require.Len(t, view.Models, 3)
		assert.Equal(t, "alpha/gpt-4", view.Models[0].ID)
		assert.Equal(t, "beta/llama-3", view.Models[1].ID)
		assert.Equal(t, "beta/openai/gpt-4", view.Models[2].ID)
	})

	t.Run("filter normalization", func(t *testing.T) {
		f := Filter{Provider: " Alpha ", Capability: "TOOLS"}.Normalize()
		assert.Equal(t, Filter{Provider: "alpha", Capability: "function_calling"}, f)
		assert.Equal(t, "alpha", providerOf(viewKey(f, true)))
	})
}
