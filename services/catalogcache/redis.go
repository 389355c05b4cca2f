package catalogcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
)

// unlockScript deletes the lock only when the caller still owns it
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStoreConfig configures the shared tier
type RedisStoreConfig struct {
	Prefix string
	// Timeout bounds every call so a slow Redis falls through to the next tier
	Timeout time.Duration
	// Consecutive failures before calls fail fast, and how long they do
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// RedisStore implements SharedStore on Redis. Calls go through a circuit breaker
// so an unavailable Redis costs nothing once it has tripped.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewRedisStore creates a new Redis-backed shared tier
func NewRedisStore(client redis.UniversalClient, config RedisStoreConfig, logger *zap.Logger) *RedisStore {
	if config.Prefix == "" {
		config.Prefix = "catalog"
	}
	if config.Timeout <= 0 {
		config.Timeout = 250 * time.Millisecond
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = 10 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "catalog-redis",
		MaxRequests: 1,
		Timeout:     config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// the caller giving up says nothing about Redis
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("shared cache breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &RedisStore{
		client:  client,
		prefix:  config.Prefix,
		timeout: config.Timeout,
		cb:      cb,
		logger:  logger,
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore) exec(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrSharedUnavailable
	}
	return result, err
}

// Get implements SharedStore
func (s *RedisStore) Get(ctx context.Context, key string) (*models.CatalogSnapshot, error) {
	result, err := s.exec(ctx, func(ctx context.Context) (interface{}, error) {
		data, err := s.client.Get(ctx, s.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return data, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	data, _ := result.([]byte)
	if data == nil {
		return nil, ErrCacheMiss
	}

	var snapshot models.CatalogSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &snapshot, nil
}

// Set implements SharedStore
func (s *RedisStore) Set(ctx context.Context, key string, snapshot *models.CatalogSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	_, err = s.exec(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.client.Set(ctx, s.key(key), data, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Delete implements SharedStore with one pipelined round trip.
// Keys are deleted individually so the call also works against a cluster.
func (s *RedisStore) Delete(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	result, err := s.exec(ctx, func(ctx context.Context) (interface{}, error) {
		pipe := s.client.Pipeline()
		cmds := make([]*redis.IntCmd, len(keys))
		for i, k := range keys {
			cmds[i] = pipe.Del(ctx, s.key(k))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}

		var deleted int64
		for _, cmd := range cmds {
			deleted += cmd.Val()
		}
		return deleted, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete %d keys: %w", len(keys), err)
	}
	return result.(int64), nil
}

// TryLock implements SharedStore with SET NX PX
func (s *RedisStore) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	result, err := s.exec(ctx, func(ctx context.Context) (interface{}, error) {
		return s.client.SetNX(ctx, s.key(key), token, ttl).Result()
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if acquired, _ := result.(bool); !acquired {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock implements SharedStore
func (s *RedisStore) Unlock(ctx context.Context, key, token string) error {
	_, err := s.exec(ctx, func(ctx context.Context) (interface{}, error) {
		return unlockScript.Run(ctx, s.client, []string{s.key(key)}, token).Result()
	})
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// Ping implements SharedStore
func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := s.exec(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// State returns the breaker state, for readiness reporting
func (s *RedisStore) State() gobreaker.State {
	return s.cb.State()
}
