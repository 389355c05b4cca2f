package catalogcache

import (
	"context"
	"errors"
	"time"

	"github.com/upb/llm-gateway/models"
)

var (
	// ErrCacheMiss is returned by a shared store when the key does not exist
	ErrCacheMiss = errors.New("catalog cache miss")

	// ErrSharedUnavailable is returned while the shared tier is failing fast
	ErrSharedUnavailable = errors.New("shared catalog cache unavailable")
)

// SharedStore is the cross-instance tier. Every method must honor ctx.
type SharedStore interface {
	Get(ctx context.Context, key string) (*models.CatalogSnapshot, error)
	Set(ctx context.Context, key string, snapshot *models.CatalogSnapshot, ttl time.Duration) error

	// Delete removes all keys in one round trip and returns how many existed
	Delete(ctx context.Context, keys []string) (int64, error)

	// TryLock acquires a short-lived lock. ok is false when another holder owns it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// Unlock releases the lock only if token still owns it
	Unlock(ctx context.Context, key, token string) error

	Ping(ctx context.Context) error
}

// SnapshotStore is the durable tier, used on cold start and as the last stale fallback
type SnapshotStore interface {
	// LatestSnapshot returns nil and no error when nothing was ever saved
	LatestSnapshot(ctx context.Context) (*models.CatalogSnapshot, error)
	SaveSnapshot(ctx context.Context, snapshot *models.CatalogSnapshot) error
}

// Builder produces a fresh snapshot
type Builder interface {
	BuildSnapshot(ctx context.Context) (*models.CatalogSnapshot, error)
}

// VersionSeeder is implemented by builders that number snapshots. The cache calls it with
// the version of every snapshot it reads from the shared or durable tier.
type VersionSeeder interface {
	SeedVersion(v uint64)
}
