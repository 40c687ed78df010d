package artifact

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

var _ Cache = (*RedisCache)(nil)

// RedisCache is a Cache backed by a shared Redis instance, letting multiple
// server nodes reuse each other's translations and synthesized audio. All
// backend failures are logged and reported as misses.
type RedisCache struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisCache wraps an existing client. logger falls back to
// slog.Default() if nil.
func NewRedisCache(client *redis.Client, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{
		client: client,
		log:    logger.WithGroup("artifact"),
	}
}

func (c *RedisCache) Get(ctx context.Context, kind Kind, content, lang string) ([]byte, bool) {
	key := CacheKey(kind, content, lang)
	value, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	return value, true
}

func (c *RedisCache) Put(ctx context.Context, kind Kind, content, lang string, value []byte) {
	key := CacheKey(kind, content, lang)
	if err := c.client.Set(ctx, key, value, kind.TTL()).Err(); err != nil {
		c.log.Warn("cache put failed", "key", key, "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, prefix string) {
	iter := c.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		c.log.Warn("cache scan failed", "prefix", prefix, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn("cache invalidate failed", "prefix", prefix, "error", err)
	}
}
