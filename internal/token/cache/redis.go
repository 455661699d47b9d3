package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "revoked:"

// RedisCache is a Redis-backed RevocationCache. Keys expire with the token
// they shadow, so the cache never outlives the blacklist it accelerates.
type RedisCache struct {
	cli *redis.Client
}

// NewRedisCache connects to Redis at url and verifies the connection.
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{cli: cli}, nil
}

func (c *RedisCache) Close() error { return c.cli.Close() }

// MarkRevoked stores one key per jti with TTL equal to the token's remaining
// lifetime. Already-expired jtis are skipped; an expired token fails
// validation on its own.
func (c *RedisCache) MarkRevoked(ctx context.Context, jtis map[string]time.Time) error {
	if len(jtis) == 0 {
		return nil
	}
	now := time.Now()
	pipe := c.cli.Pipeline()
	for jti, exp := range jtis {
		ttl := time.Until(exp)
		if ttl <= 0 || exp.Before(now) {
			continue
		}
		pipe.Set(ctx, revokedKeyPrefix+jti, "1", ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// IsRevoked reports whether jti has a revocation marker.
func (c *RedisCache) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := c.cli.Exists(ctx, revokedKeyPrefix+jti).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
