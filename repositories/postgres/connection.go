package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/config"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB opens and verifies a connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return WrapDB(db, logger), nil
}

// WrapDB wraps an existing pool
func WrapDB(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck pings the database and runs a trivial query
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}
	return nil
}

// InitSchema creates the gateway tables if they do not exist
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		-- Durable catalog snapshots, newest version wins on cold start
		CREATE TABLE IF NOT EXISTS catalog_snapshots (
			version BIGINT PRIMARY KEY,
			built_at TIMESTAMPTZ NOT NULL,
			ttl_ms BIGINT NOT NULL,
			degraded BOOLEAN NOT NULL DEFAULT false,
			providers_responded JSONB NOT NULL DEFAULT '[]',
			providers_missing JSONB NOT NULL DEFAULT '[]',
			models JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Balances; reserved is the sum of active reservations
		CREATE TABLE IF NOT EXISTS credit_accounts (
			user_id VARCHAR(255) PRIMARY KEY,
			balance NUMERIC(20, 8) NOT NULL DEFAULT 0,
			reserved NUMERIC(20, 8) NOT NULL DEFAULT 0 CHECK (reserved >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK (balance >= reserved)
		);

		CREATE TABLE IF NOT EXISTS credit_reservations (
			id UUID PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL REFERENCES credit_accounts(user_id),
			request_id VARCHAR(255),
			amount NUMERIC(20, 8) NOT NULL,
			settled_amount NUMERIC(20, 8),
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			closed_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS health_records (
			provider VARCHAR(100) NOT NULL,
			model VARCHAR(255) NOT NULL,
			call_count BIGINT NOT NULL DEFAULT 0,
			success_count BIGINT NOT NULL DEFAULT 0,
			error_count BIGINT NOT NULL DEFAULT 0,
			last_latency_ms BIGINT NOT NULL DEFAULT 0,
			avg_latency_ms BIGINT NOT NULL DEFAULT 0,
			last_status VARCHAR(50),
			last_error TEXT,
			last_called_at TIMESTAMPTZ,
			status VARCHAR(20) NOT NULL,
			breaker_state VARCHAR(20) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (provider, model)
		);

		CREATE TABLE IF NOT EXISTS gateway_events (
			id UUID PRIMARY KEY,
			event_type VARCHAR(50) NOT NULL,
			provider VARCHAR(100),
			model VARCHAR(255),
			payload JSONB NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_credit_reservations_active_expiry
			ON credit_reservations(expires_at) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_credit_reservations_user_id ON credit_reservations(user_id);
		CREATE INDEX IF NOT EXISTS idx_gateway_events_type ON gateway_events(event_type);
		CREATE INDEX IF NOT EXISTS idx_gateway_events_timestamp ON gateway_events(timestamp);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}
