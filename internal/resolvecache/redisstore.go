package resolvecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/origanhq/gateway/internal/manifest"
)

const defaultRedisTimeout = 500 * time.Millisecond

// SharedStore lets a Cache fan its positive entries out to a store shared
// across gateway replicas, so a hostname resolved by one instance doesn't
// require a fresh control-plane call on every other instance. It is
// optional: a nil SharedStore leaves the cache purely in-process.
type SharedStore interface {
	Get(ctx context.Context, hostname string) (*manifest.Descriptor, bool)
	Set(ctx context.Context, hostname string, descriptor *manifest.Descriptor, ttl time.Duration) error
}

// RedisStore is a SharedStore backed by Redis. Every operation degrades
// gracefully: a Redis outage falls back to per-instance resolution rather
// than failing requests, mirroring the teacher's Redis-backed exact-match
// cache degradation policy.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisStore wraps an already-connected client. The caller owns the
// client's lifecycle.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, timeout: defaultRedisTimeout}
}

// Get returns the descriptor cached under hostname, or (nil, false) on a
// miss or any Redis error.
func (s *RedisStore) Get(ctx context.Context, hostname string) (*manifest.Descriptor, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := s.client.Get(ctx, redisKey(hostname)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "resolvecache_redis_get_error",
				slog.String("hostname", hostname),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	var desc manifest.Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		slog.WarnContext(ctx, "resolvecache_redis_decode_error",
			slog.String("hostname", hostname),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return &desc, true
}

// Set stores descriptor under hostname for ttl. Redis errors are logged, not
// propagated, so a degraded Redis never fails a request that otherwise
// resolved successfully against the control plane; only a failure to encode
// the descriptor is returned.
func (s *RedisStore) Set(ctx context.Context, hostname string, descriptor *manifest.Descriptor, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw, err := json.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("resolvecache: encode %s: %w", hostname, err)
	}
	if err := s.client.Set(ctx, redisKey(hostname), raw, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "resolvecache_redis_set_error",
			slog.String("hostname", hostname),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func redisKey(hostname string) string {
	return "origan:resolve:" + hostname
}
