package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
	"github.com/upb/llm-gateway/services"
)

// HealthRepository implements repositories.HealthRepository
type HealthRepository struct {
	db        *DB
	txManager repositories.TransactionManager
	logger    *zap.Logger
}

// NewHealthRepository creates a new health repository
func NewHealthRepository(db *DB, txManager repositories.TransactionManager, logger *zap.Logger) *HealthRepository {
	return &HealthRepository{db: db, txManager: txManager, logger: logger}
}

// UpsertHealthRecords writes every record in one transaction. Records are last-write-wins.
func (r *HealthRepository) UpsertHealthRecords(ctx context.Context, records []models.HealthRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO health_records (
			provider, model, call_count, success_count, error_count,
			last_latency_ms, avg_latency_ms, last_status, last_error, last_called_at,
			status, breaker_state, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (provider, model) DO UPDATE SET
			call_count = EXCLUDED.call_count,
			success_count = EXCLUDED.success_count,
			error_count = EXCLUDED.error_count,
			last_latency_ms = EXCLUDED.last_latency_ms,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			last_status = EXCLUDED.last_status,
			last_error = EXCLUDED.last_error,
			last_called_at = EXCLUDED.last_called_at,
			status = EXCLUDED.status,
			breaker_state = EXCLUDED.breaker_state,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now().UTC()
	err := services.WithTransaction(ctx, r.txManager, func(ctx context.Context, tx repositories.Transaction) error {
		exec := TxExecutor(tx, r.db)
		for _, rec := range records {
			if _, err := exec.ExecContext(ctx, query,
				rec.Provider,
				rec.Model,
				rec.CallCount,
				rec.SuccessCount,
				rec.ErrorCount,
				rec.LastLatency.Milliseconds(),
				rec.AvgLatency.Milliseconds(),
				string(rec.LastStatus),
				rec.LastError,
				nullTime(rec.LastCalledAt),
				string(rec.Status),
				string(rec.Breaker.State),
				now,
			); err != nil {
				return fmt.Errorf("failed to upsert health record %s/%s: %w", rec.Provider, rec.Model, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("health records persisted", zap.Int("count", len(records)))
	return nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
