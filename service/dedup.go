package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DedupCache suppresses repeat incidents across pipeline instances.
// Suppress reports true when the fingerprint was already seen inside
// the TTL. Implementations must degrade, not fail: a broken cache means
// incidents are emitted, never dropped.
type DedupCache interface {
	Suppress(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error)
}

// RedisDedup implements DedupCache with Redis SETNX, so multiple
// pipeline instances sharing one Redis suppress the same incident only
// once.
type RedisDedup struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// NewRedisDedup creates a dedup cache over a Redis server.
func NewRedisDedup(addr, password string, db int, logger *zap.SugaredLogger) *RedisDedup {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisDedup{client: client, logger: logger}
}

// Ping tests the Redis connection.
func (rd *RedisDedup) Ping(ctx context.Context) error {
	return rd.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (rd *RedisDedup) Close() error {
	return rd.client.Close()
}

// Suppress marks the fingerprint seen and reports whether it already
// was. The first caller wins the SETNX and is not suppressed.
func (rd *RedisDedup) Suppress(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	created, err := rd.client.SetNX(ctx, "argus:dedup:"+fingerprint, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !created, nil
}

// NoopDedup never suppresses. Used when no Redis is configured.
type NoopDedup struct{}

// Suppress always reports not-seen.
func (NoopDedup) Suppress(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}
