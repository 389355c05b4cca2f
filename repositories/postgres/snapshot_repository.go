package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/repositories"
)

// DefaultSnapshotRetention is how many versions SaveSnapshot keeps
const DefaultSnapshotRetention = 20

// SnapshotRepository implements repositories.SnapshotRepository
type SnapshotRepository struct {
	db        *DB
	txManager repositories.TransactionManager
	retain    int
	logger    *zap.Logger
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *DB, txManager repositories.TransactionManager, retain int, logger *zap.Logger) *SnapshotRepository {
	if retain <= 0 {
		retain = DefaultSnapshotRetention
	}
	return &SnapshotRepository{db: db, txManager: txManager, retain: retain, logger: logger}
}

// LatestSnapshot returns the newest saved snapshot, or nil when none exists
func (r *SnapshotRepository) LatestSnapshot(ctx context.Context) (*models.CatalogSnapshot, error) {
	query := `
		SELECT version, built_at, ttl_ms, degraded, providers_responded, providers_missing, models
		FROM catalog_snapshots
		ORDER BY version DESC
		LIMIT 1
	`

	var snapshot models.CatalogSnapshot
	var ttlMs int64
	var responded, missing, modelsJSON []byte
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query).Scan(
		&snapshot.Version,
		&snapshot.BuiltAt,
		&ttlMs,
		&snapshot.Degraded,
		&responded,
		&missing,
		&modelsJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}

	snapshot.TTL = time.Duration(ttlMs) * time.Millisecond
	if err := json.Unmarshal(responded, &snapshot.ProvidersResponded); err != nil {
		return nil, fmt.Errorf("failed to decode providers_responded: %w", err)
	}
	if err := json.Unmarshal(missing, &snapshot.ProvidersMissing); err != nil {
		return nil, fmt.Errorf("failed to decode providers_missing: %w", err)
	}
	if err := json.Unmarshal(modelsJSON, &snapshot.Models); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot models: %w", err)
	}
	return &snapshot, nil
}

// SaveSnapshot inserts a snapshot and drops versions beyond the retention window
func (r *SnapshotRepository) SaveSnapshot(ctx context.Context, snapshot *models.CatalogSnapshot) error {
	responded, err := json.Marshal(nonNil(snapshot.ProvidersResponded))
	if err != nil {
		return fmt.Errorf("failed to encode providers_responded: %w", err)
	}
	missing, err := json.Marshal(nonNil(snapshot.ProvidersMissing))
	if err != nil {
		return fmt.Errorf("failed to encode providers_missing: %w", err)
	}
	modelsJSON, err := json.Marshal(snapshot.Models)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot models: %w", err)
	}

	insert := `
		INSERT INTO catalog_snapshots (
			version, built_at, ttl_ms, degraded, providers_responded, providers_missing, models
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (version) DO NOTHING
	`
	prune := `DELETE FROM catalog_snapshots WHERE version <= $1`

	err = r.txManager.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		exec := GetExecutor(ctx, r.db)
		if _, err := exec.ExecContext(ctx, insert,
			snapshot.Version,
			snapshot.BuiltAt,
			snapshot.TTL.Milliseconds(),
			snapshot.Degraded,
			responded,
			missing,
			modelsJSON,
		); err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}

		if snapshot.Version > uint64(r.retain) {
			if _, err := exec.ExecContext(ctx, prune, snapshot.Version-uint64(r.retain)); err != nil {
				return fmt.Errorf("failed to prune snapshots: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("catalog snapshot saved",
		zap.Uint64("version", snapshot.Version),
		zap.Int("models", len(snapshot.Models)))
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
