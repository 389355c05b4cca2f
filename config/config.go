package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Catalog       CatalogConfig
	Cache         CacheConfig
	Breaker       BreakerConfig
	Health        HealthConfig
	Dispatch      DispatchConfig
	Credits       CreditsConfig
	Events        EventsConfig
	Auth          AuthConfig
	Providers     ProvidersConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	Enabled          bool
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	InitSchema       bool
}

// RedisConfig holds the shared catalog tier connection
type RedisConfig struct {
	Enabled  bool
	Addrs    []string // one address for a single node, several for a cluster
	Password string
	DB       int

	KeyPrefix       string
	Timeout         time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
}

// CatalogConfig controls aggregation runs
type CatalogConfig struct {
	WorkerLimit     int
	Deadline        time.Duration
	QuorumFraction  float64
	SnapshotTTL     time.Duration
	RefreshInterval time.Duration
}

// CacheConfig holds the tier TTLs and stampede-control bounds
type CacheConfig struct {
	LocalTTL          time.Duration
	LocalSize         int
	SharedTTL         time.Duration
	LockTTL           time.Duration
	LockPoll          time.Duration
	LockWait          time.Duration
	StoreTimeout      time.Duration
	InvalidateTimeout time.Duration
}

// BreakerConfig holds per (provider, model) circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// HealthConfig holds health scoring settings
type HealthConfig struct {
	Shards           int
	EMAAlpha         float64
	Window           int
	HealthyThreshold float64
	DownFloor        float64
	PersistInterval  time.Duration
}

// DispatchConfig holds failover settings
type DispatchConfig struct {
	AttemptTimeout time.Duration
}

// CreditsConfig holds admission settings
type CreditsConfig struct {
	ReservationTTL     time.Duration
	SweepInterval      time.Duration
	DefaultOutputBound int
	SettleTimeout      time.Duration
	// Seed deposits credits at startup, parsed from "user:amount,user:amount"
	Seed map[string]float64
}

// EventsConfig holds the event recorder and its publishers
type EventsConfig struct {
	BufferSize     int
	Workers        int
	BatchSize      int
	FlushInterval  time.Duration
	PublishTimeout time.Duration
	Persist        bool // write events to Postgres
	KafkaBrokers   []string
	KafkaTopic     string
}

// AuthConfig holds bearer token validation settings
type AuthConfig struct {
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	Leeway      time.Duration
}

// ProvidersConfig holds LLM provider configurations
type ProvidersConfig struct {
	File   string // YAML provider registry; takes precedence over OpenAI
	OpenAI OpenAIConfig
}

// OpenAIConfig holds the single-provider fallback used when no registry file is set
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
	MetricsPath    string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	seed, err := parseSeed(getEnv("CREDITS_SEED", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid CREDITS_SEED: %w", err)
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 90*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second),
			AllowedOrigins:  getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://*"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Enabled:         getEnvAsBool("REDIS_ENABLED", true),
			Addrs:           getEnvAsSlice("REDIS_ADDRS", []string{"localhost:6379"}),
			Password:        getEnv("REDIS_PASSWORD", ""),
			DB:              getEnvAsInt("REDIS_DB", 0),
			KeyPrefix:       getEnv("REDIS_KEY_PREFIX", "catalog"),
			Timeout:         getEnvAsDuration("REDIS_TIMEOUT", 250*time.Millisecond),
			BreakerFailures: getEnvAsInt("REDIS_BREAKER_FAILURES", 5),
			BreakerCooldown: getEnvAsDuration("REDIS_BREAKER_COOLDOWN", 10*time.Second),
		},
		Catalog: CatalogConfig{
			WorkerLimit:     getEnvAsInt("CATALOG_WORKER_LIMIT", 8),
			Deadline:        getEnvAsDuration("CATALOG_DEADLINE", 10*time.Second),
			QuorumFraction:  getEnvAsFloat("CATALOG_QUORUM_FRACTION", 0.5),
			SnapshotTTL:     getEnvAsDuration("CATALOG_SNAPSHOT_TTL", 10*time.Minute),
			RefreshInterval: getEnvAsDuration("CATALOG_REFRESH_INTERVAL", time.Minute),
		},
		Cache: CacheConfig{
			LocalTTL:          getEnvAsDuration("CACHE_LOCAL_TTL", 30*time.Second),
			LocalSize:         getEnvAsInt("CACHE_LOCAL_SIZE", 128),
			SharedTTL:         getEnvAsDuration("CACHE_SHARED_TTL", 10*time.Minute),
			LockTTL:           getEnvAsDuration("CACHE_LOCK_TTL", 30*time.Second),
			LockPoll:          getEnvAsDuration("CACHE_LOCK_POLL", 100*time.Millisecond),
			LockWait:          getEnvAsDuration("CACHE_LOCK_WAIT", 3*time.Second),
			StoreTimeout:      getEnvAsDuration("CACHE_STORE_TIMEOUT", 2*time.Second),
			InvalidateTimeout: getEnvAsDuration("CACHE_INVALIDATE_TIMEOUT", 5*time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			Cooldown:         getEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Health: HealthConfig{
			Shards:           getEnvAsInt("HEALTH_SHARDS", 32),
			EMAAlpha:         getEnvAsFloat("HEALTH_EMA_ALPHA", 0.3),
			Window:           getEnvAsInt("HEALTH_WINDOW", 20),
			HealthyThreshold: getEnvAsFloat("HEALTH_HEALTHY_THRESHOLD", 0.9),
			DownFloor:        getEnvAsFloat("HEALTH_DOWN_FLOOR", 0.5),
			PersistInterval:  getEnvAsDuration("HEALTH_PERSIST_INTERVAL", 30*time.Second),
		},
		Dispatch: DispatchConfig{
			AttemptTimeout: getEnvAsDuration("DISPATCH_ATTEMPT_TIMEOUT", 30*time.Second),
		},
		Credits: CreditsConfig{
			ReservationTTL:     getEnvAsDuration("CREDITS_RESERVATION_TTL", 10*time.Minute),
			SweepInterval:      getEnvAsDuration("CREDITS_SWEEP_INTERVAL", 30*time.Second),
			DefaultOutputBound: getEnvAsInt("CREDITS_DEFAULT_OUTPUT_BOUND", 1024),
			SettleTimeout:      getEnvAsDuration("CREDITS_SETTLE_TIMEOUT", 5*time.Second),
			Seed:               seed,
		},
		Events: EventsConfig{
			BufferSize:     getEnvAsInt("EVENTS_BUFFER_SIZE", 10000),
			Workers:        getEnvAsInt("EVENTS_WORKERS", 2),
			BatchSize:      getEnvAsInt("EVENTS_BATCH_SIZE", 100),
			FlushInterval:  getEnvAsDuration("EVENTS_FLUSH_INTERVAL", time.Second),
			PublishTimeout: getEnvAsDuration("EVENTS_PUBLISH_TIMEOUT", 5*time.Second),
			Persist:        getEnvAsBool("EVENTS_PERSIST", true),
			KafkaBrokers:   getEnvAsSlice("KAFKA_BROKERS", nil),
			KafkaTopic:     getEnv("KAFKA_TOPIC", "gateway-events"),
		},
		Auth: AuthConfig{
			JWTSecret:   getEnv("JWT_SECRET", ""),
			JWTIssuer:   getEnv("JWT_ISSUER", ""),
			JWTAudience: getEnv("JWT_AUDIENCE", ""),
			Leeway:      getEnvAsDuration("JWT_LEEWAY", 30*time.Second),
		},
		Providers: ProvidersConfig{
			File: getEnv("PROVIDERS_FILE", ""),
			OpenAI: OpenAIConfig{
				APIKey:  getEnv("OPENAI_API_KEY", ""),
				BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				Timeout: getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
			MetricsPath:    getEnv("METRICS_PATH", "/metrics"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Database.Enabled {
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	}

	if c.Redis.Enabled && len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("redis enabled but REDIS_ADDRS is empty")
	}

	if c.Catalog.QuorumFraction <= 0 || c.Catalog.QuorumFraction > 1 {
		return fmt.Errorf("catalog quorum fraction must be in (0, 1], got %v", c.Catalog.QuorumFraction)
	}
	if c.Catalog.SnapshotTTL <= 0 {
		return fmt.Errorf("catalog snapshot TTL must be positive")
	}

	if c.Health.EMAAlpha <= 0 || c.Health.EMAAlpha > 1 {
		return fmt.Errorf("health EMA alpha must be in (0, 1], got %v", c.Health.EMAAlpha)
	}
	if c.Health.DownFloor < 0 || c.Health.DownFloor >= c.Health.HealthyThreshold || c.Health.HealthyThreshold > 1 {
		return fmt.Errorf("health thresholds must satisfy 0 <= down floor < healthy threshold <= 1")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}

	if c.Credits.DefaultOutputBound <= 0 {
		return fmt.Errorf("default output bound must be positive")
	}

	if c.IsProduction() {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT secret is required in production")
		}
		if c.Providers.File == "" && c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("at least one LLM provider must be configured in production")
		}
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// LogString returns a safe string for logging (no password)
func (c *RedisConfig) LogString() string {
	return fmt.Sprintf("addrs=%s db=%d prefix=%s", strings.Join(c.Addrs, ","), c.DB, c.KeyPrefix)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		Enabled:         getEnvAsBool("DB_ENABLED", true),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		InitSchema:      getEnvAsBool("DB_INIT_SCHEMA", true),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		cfg.ConnectionString = dbURL
		return cfg
	}
	cfg.Host = getEnv("DB_HOST", "localhost")
	cfg.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.User = getEnv("DB_USER", "gateway")
	cfg.Password = getEnv("DB_PASSWORD", "gateway")
	cfg.Database = getEnv("DB_NAME", "gateway")
	cfg.SSLMode = getEnv("DB_SSLMODE", "disable")
	return cfg
}

// parseSeed reads "user:amount" pairs separated by commas
func parseSeed(raw string) (map[string]float64, error) {
	seed := make(map[string]float64)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, amount, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(user) == "" {
			return nil, fmt.Errorf("expected user:amount, got %q", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid amount for %s: %q", user, amount)
		}
		seed[strings.TrimSpace(user)] += v
	}
	return seed, nil
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSlice splits a comma-separated value, dropping empty items
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
