package relay

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces dedupe keys in Redis.
const keyPrefix = "vr-telemetry:relay:upload:"

// Deduper remembers which upload paths have been forwarded.
type Deduper interface {
	// Claim marks path as forwarded. It returns false if path was already claimed.
	Claim(ctx context.Context, path string) (bool, error)
	// Release forgets path so a redelivery can claim it again.
	Release(ctx context.Context, path string) error
}

// RedisDeduper claims upload paths with SET NX and a TTL.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisDeduper returns a Deduper over rdb. Keys expire after ttl.
func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

// Claim implements Deduper.
func (d *RedisDeduper) Claim(ctx context.Context, path string) (bool, error) {
	return d.rdb.SetNX(ctx, keyPrefix+path, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
}

// Release implements Deduper.
func (d *RedisDeduper) Release(ctx context.Context, path string) error {
	return d.rdb.Del(ctx, keyPrefix+path).Err()
}

// PingContext lets the deduper back a health check.
func (d *RedisDeduper) PingContext(ctx context.Context) error {
	return d.rdb.Ping(ctx).Err()
}
