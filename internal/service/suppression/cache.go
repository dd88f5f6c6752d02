package suppression

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/automation-engine/internal/pkg/logger"
)

// DefaultCacheTTL bounds how stale a cached answer may be.
const DefaultCacheTTL = 5 * time.Second

// Cache is a Redis read-through cache of per-scope suppression answers.
// Redis errors degrade to cache misses; the repository stays authoritative.
type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCache creates a cache. A non-positive ttl uses DefaultCacheTTL.
func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{rdb: rdb, ttl: ttl, prefix: "suppression:"}
}

func (c *Cache) key(address, scope string) string {
	return c.prefix + scope + ":" + address
}

// Get returns the cached answer and whether one was present.
func (c *Cache) Get(ctx context.Context, address, scope string) (bool, bool) {
	v, err := c.rdb.Get(ctx, c.key(address, scope)).Result()
	if err == redis.Nil {
		return false, false
	}
	if err != nil {
		logger.Warn("suppression cache read failed", "scope", scope, "error", err.Error())
		return false, false
	}
	return v == "1", true
}

// Set stores an answer for the cache TTL.
func (c *Cache) Set(ctx context.Context, address, scope string, suppressed bool) {
	v := "0"
	if suppressed {
		v = "1"
	}
	if err := c.rdb.Set(ctx, c.key(address, scope), v, c.ttl).Err(); err != nil {
		logger.Warn("suppression cache write failed", "scope", scope, "error", err.Error())
	}
}

// Forget drops a cached answer after a local write.
func (c *Cache) Forget(ctx context.Context, address, scope string) {
	if err := c.rdb.Del(ctx, c.key(address, scope)).Err(); err != nil {
		logger.Warn("suppression cache delete failed", "scope", scope, "error", err.Error())
	}
}

// OpenRedis parses url and pings the server. An empty url returns nil and
// no error; callers then run without a cache.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
