package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/config"
	"github.com/upb/llm-gateway/middleware"
	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/repositories/postgres"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/catalog"
	"github.com/upb/llm-gateway/services/catalogcache"
	"github.com/upb/llm-gateway/services/credits"
	"github.com/upb/llm-gateway/services/events"
	"github.com/upb/llm-gateway/services/health"
	"github.com/upb/llm-gateway/services/inference"
	"github.com/upb/llm-gateway/services/providers"
	"github.com/upb/llm-gateway/services/providers/openai"
	"github.com/upb/llm-gateway/services/routing"
)

// Dependencies holds all application dependencies. This is the central wiring point for
// dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	DB      *postgres.DB
	Redis   redis.UniversalClient
	Metrics *prometheus.Registry

	// Repository Factory
	RepoFactory  *postgres.RepositoryFactory
	Repositories *repositories.Repositories

	// Events
	Recorder *events.Recorder
	Sink     events.Sink
	kafka    *events.KafkaPublisher

	// Engine
	Providers  *providers.Registry
	Aggregator *catalog.Aggregator
	Catalog    *catalogcache.Cache
	Tracker    *health.Tracker
	Dispatcher *routing.Dispatcher
	Ledger     credits.Ledger
	Gate       *credits.Gate
	Inference  *inference.Service

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	cancel    context.CancelFunc
	workers   sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deps.initRedis(ctx, cfg)

	if err := deps.initEvents(cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize events: %w", err)
	}

	if err := deps.initProviders(cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	if err := deps.initEngine(ctx, cfg); err != nil {
		deps.closeQuietly()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the PostgreSQL database connection and factory
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if !cfg.Database.Enabled {
		d.Logger.Warn("database disabled, using in-memory credit ledger and no durable catalog tier")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg.Database, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	if cfg.Database.InitSchema {
		if err := factory.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	d.Repositories = factory.NewRepositories()

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

// initRedis connects the shared catalog tier. An unreachable Redis is not fatal: the
// store's breaker trips and reads fall through to the next tier.
func (d *Dependencies) initRedis(ctx context.Context, cfg *config.Config) {
	if !cfg.Redis.Enabled {
		d.Logger.Warn("redis disabled, catalog cache runs without a shared tier")
		return
	}

	d.Redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Redis.Addrs,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := d.Redis.Ping(pingCtx).Err(); err != nil {
		d.Logger.Warn("redis not reachable at startup",
			zap.String("redis", cfg.Redis.LogString()),
			zap.Error(err))
		return
	}
	d.Logger.Info("redis connection established", zap.String("redis", cfg.Redis.LogString()))
}

// initEvents builds the sink chain: structured logs, Prometheus counters and the
// recorder that ships envelopes to Postgres and Kafka
func (d *Dependencies) initEvents(cfg *config.Config) error {
	d.Metrics = prometheus.NewRegistry()
	d.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsSink, err := events.NewMetricsSink(d.Metrics)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	sinks := events.Multi{events.NewLogSink(d.Logger), metricsSink}

	var publishers []events.Publisher
	if cfg.Events.Persist && d.Repositories != nil {
		publishers = append(publishers, d.Repositories.Events)
	}
	if len(cfg.Events.KafkaBrokers) > 0 {
		d.kafka = events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic))
		publishers = append(publishers, d.kafka)
		d.Logger.Info("kafka event publishing enabled",
			zap.Strings("brokers", cfg.Events.KafkaBrokers),
			zap.String("topic", cfg.Events.KafkaTopic))
	}

	if len(publishers) > 0 {
		d.Recorder = events.NewRecorder(d.Logger, events.RecorderConfig{
			BufferSize:     cfg.Events.BufferSize,
			WorkerCount:    cfg.Events.Workers,
			BatchSize:      cfg.Events.BatchSize,
			FlushInterval:  cfg.Events.FlushInterval,
			PublishTimeout: cfg.Events.PublishTimeout,
		}, publishers...)
		sinks = append(sinks, d.Recorder)
	}

	d.Sink = sinks
	return nil
}

// initProviders builds the adapter registry from the provider file, or from the OpenAI
// settings when no file is configured
func (d *Dependencies) initProviders(cfg *config.Config) error {
	registry := providers.NewRegistry()

	var defs []models.Provider
	switch {
	case cfg.Providers.File != "":
		loaded, err := providers.LoadProviderFile(cfg.Providers.File)
		if err != nil {
			return err
		}
		defs = loaded
	case cfg.Providers.OpenAI.APIKey != "":
		defs = []models.Provider{{
			Slug:         "openai",
			DisplayName:  "OpenAI",
			Priority:     100,
			Timeout:      cfg.Providers.OpenAI.Timeout,
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			Capabilities: models.Capabilities{Streaming: true, FunctionCalling: true, Vision: true},
		}}
	}

	for _, def := range defs {
		apiKey := cfg.Providers.OpenAI.APIKey
		if def.APIKeyEnv != "" {
			apiKey = os.Getenv(def.APIKeyEnv)
		}
		if err := registry.Register(openai.NewAdapter(def, apiKey)); err != nil {
			return fmt.Errorf("failed to register provider %s: %w", def.Slug, err)
		}
		d.Logger.Info("provider registered",
			zap.String("provider", def.Slug),
			zap.String("base_url", def.BaseURL),
			zap.Int("priority", def.Priority))
	}

	if registry.Count() == 0 {
		d.Logger.Warn("no LLM providers configured")
	}

	d.Providers = registry
	return nil
}

// initEngine wires aggregation, caching, health, dispatch and admission
func (d *Dependencies) initEngine(ctx context.Context, cfg *config.Config) error {
	d.Aggregator = catalog.NewAggregator(d.Providers, catalog.Config{
		WorkerLimit:    cfg.Catalog.WorkerLimit,
		Deadline:       cfg.Catalog.Deadline,
		QuorumFraction: cfg.Catalog.QuorumFraction,
		SnapshotTTL:    cfg.Catalog.SnapshotTTL,
	}, d.Sink, d.Logger)

	var shared catalogcache.SharedStore
	if d.Redis != nil {
		shared = catalogcache.NewRedisStore(d.Redis, catalogcache.RedisStoreConfig{
			Prefix:          cfg.Redis.KeyPrefix,
			Timeout:         cfg.Redis.Timeout,
			BreakerFailures: uint32(cfg.Redis.BreakerFailures),
			BreakerCooldown: cfg.Redis.BreakerCooldown,
		}, d.Logger)
	}

	var durable catalogcache.SnapshotStore
	if d.Repositories != nil {
		durable = d.Repositories.Snapshots
	}

	d.Catalog = catalogcache.NewCache(d.Aggregator, shared, durable, catalogcache.Config{
		LocalTTL:          cfg.Cache.LocalTTL,
		LocalSize:         cfg.Cache.LocalSize,
		SharedTTL:         cfg.Cache.SharedTTL,
		LockTTL:           cfg.Cache.LockTTL,
		LockPoll:          cfg.Cache.LockPoll,
		LockWait:          cfg.Cache.LockWait,
		StoreTimeout:      cfg.Cache.StoreTimeout,
		InvalidateTimeout: cfg.Cache.InvalidateTimeout,
	}, d.Sink, d.Logger)

	if durable != nil {
		d.restoreCatalog(ctx, durable)
	}

	d.Tracker = health.NewTracker(health.Config{
		Shards:           cfg.Health.Shards,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		EMAAlpha:         cfg.Health.EMAAlpha,
		Window:           cfg.Health.Window,
		HealthyThreshold: cfg.Health.HealthyThreshold,
		DownFloor:        cfg.Health.DownFloor,
	}, d.Sink, d.Logger)

	d.Dispatcher = routing.NewDispatcher(d.Catalog, d.Tracker, d.Providers, routing.Config{
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
	}, d.Logger)

	if err := d.initLedger(ctx, cfg); err != nil {
		return err
	}
	d.Gate = credits.NewGate(d.Ledger, credits.Config{
		ReservationTTL: cfg.Credits.ReservationTTL,
	}, d.Sink, d.Logger)

	d.Inference = inference.NewService(d.Dispatcher, d.Gate, inference.Config{
		DefaultOutputBound: cfg.Credits.DefaultOutputBound,
		AttemptTimeout:     cfg.Dispatch.AttemptTimeout,
		SettleTimeout:      cfg.Credits.SettleTimeout,
	}, d.Logger)

	return nil
}

// restoreCatalog continues the version sequence after a restart and serves the last
// durable snapshot until the first rebuild
func (d *Dependencies) restoreCatalog(ctx context.Context, durable catalogcache.SnapshotStore) {
	latest, err := durable.LatestSnapshot(ctx)
	if err != nil {
		d.Logger.Warn("failed to load durable catalog snapshot", zap.Error(err))
		return
	}
	if latest == nil {
		return
	}
	d.Aggregator.SeedVersion(latest.Version)
	d.Catalog.Prime(latest)
	d.Logger.Info("restored catalog snapshot",
		zap.Uint64("version", latest.Version),
		zap.Time("built_at", latest.BuiltAt),
		zap.Int("models", len(latest.Models)))
}

// initLedger picks the Postgres ledger when a database is configured and applies the
// configured credit seed
func (d *Dependencies) initLedger(ctx context.Context, cfg *config.Config) error {
	if d.Repositories == nil {
		memory := credits.NewMemoryLedger()
		for user, amount := range cfg.Credits.Seed {
			memory.Deposit(user, amount)
		}
		d.Ledger = memory
		return nil
	}

	d.Ledger = d.Repositories.Credits
	for user, amount := range cfg.Credits.Seed {
		// only new accounts are seeded so restarts do not mint credits
		_, err := d.Repositories.Credits.GetAccount(ctx, user)
		if err == nil {
			continue
		}
		if !errors.Is(err, services.ErrAccountNotFound) {
			return fmt.Errorf("failed to read account %s: %w", user, err)
		}
		if _, err := d.Repositories.Credits.Deposit(ctx, user, amount); err != nil {
			return fmt.Errorf("failed to seed account %s: %w", user, err)
		}
		d.Logger.Info("seeded credit account", zap.String("user_id", user), zap.Float64("amount", amount))
	}
	return nil
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("JWT secret not configured, authenticated endpoints reject every request")
		d.AuthMiddleware = middleware.NewAuthMiddleware(rejectAllValidator{}, d.Logger)
		return
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(middleware.NewHMACValidator(middleware.HMACValidatorConfig{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.JWTIssuer,
		Audience: cfg.Auth.JWTAudience,
		Leeway:   cfg.Auth.Leeway,
	}), d.Logger)
}

// rejectAllValidator rejects all tokens (used when no secret is configured)
type rejectAllValidator struct{}

func (rejectAllValidator) ValidateToken(context.Context, string) (*middleware.Claims, error) {
	return nil, fmt.Errorf("authentication not configured")
}

// Start launches the background workers: event shipping, proactive catalog refresh,
// reservation sweep and health persistence
func (d *Dependencies) Start(ctx context.Context) error {
	if d.Recorder != nil {
		if err := d.Recorder.Start(); err != nil {
			return err
		}
	}

	ctx, d.cancel = context.WithCancel(ctx)
	cfg := d.Config

	d.goWorker(func() { d.Catalog.StartRefreshWorker(ctx, cfg.Catalog.RefreshInterval) })
	d.goWorker(func() { d.Gate.StartSweepWorker(ctx, cfg.Credits.SweepInterval) })
	if d.Repositories != nil {
		d.goWorker(func() { d.Tracker.StartPersistWorker(ctx, d.Repositories.Health, cfg.Health.PersistInterval) })
	}

	// warm the catalog so the first request does not pay for aggregation
	d.goWorker(func() {
		if _, err := d.Catalog.Snapshot(ctx); err != nil {
			d.Logger.Warn("initial catalog build failed", zap.Error(err))
		}
	})

	d.Logger.Info("background workers started")
	return nil
}

func (d *Dependencies) goWorker(fn func()) {
	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		fn()
	}()
}

// Close gracefully shuts down all dependencies. Later calls return the first result.
func (d *Dependencies) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { d.closeErr = d.close(ctx) })
	return d.closeErr
}

func (d *Dependencies) close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	started := d.cancel != nil
	if started {
		d.cancel()
		d.workers.Wait()
	}
	if d.Catalog != nil {
		d.Catalog.Close()
	}

	if d.Recorder != nil && started {
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Recorder.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop event recorder: %w", err))
		}
	}

	errs = append(errs, d.closeConnections()...)

	_ = d.Logger.Sync()

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %w", errors.Join(errs...))
	}
	return nil
}

func (d *Dependencies) closeConnections() []error {
	var errs []error
	if d.kafka != nil {
		if err := d.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka writer: %w", err))
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}
	return errs
}

// closeQuietly releases whatever was opened before a failed initialization
func (d *Dependencies) closeQuietly() {
	for _, err := range d.closeConnections() {
		d.Logger.Warn("cleanup after failed initialization", zap.Error(err))
	}
}
