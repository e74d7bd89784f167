// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/config"
	"github.com/harmonyhub/harmony/internal/metrics"
)

// redisNamespace prefixes every cache key so shared databases stay tidy.
const redisNamespace = "harmony:cache:"

// RedisCache is the Redis-backed implementation of Store, for deployments
// where several daemon replicas share one response cache.
type RedisCache struct {
	client      *redis.Client
	evictEvents bool
	logger      zerolog.Logger
	stats       struct {
		hits          atomic.Int64
		stales        atomic.Int64
		misses        atomic.Int64
		evictions     atomic.Int64
		invalidations atomic.Int64
	}
}

// NewRedisCache connects to Redis and verifies the connection before
// returning the backend.
func NewRedisCache(cfg config.CacheConfig, logger zerolog.Logger) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.RedisAddr).
		Int("db", cfg.RedisDB).
		Msg("connected to redis response cache")

	return &RedisCache{
		client:      client,
		evictEvents: cfg.EvictEvents,
		logger:      logger,
	}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (Entry, State) {
	val, err := c.client.Get(ctx, redisNamespace+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("key", key).Msg("redis get failed")
		}
		return c.miss()
	}

	var e Entry
	if err := json.Unmarshal(val, &e); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache entry decode failed")
		return c.miss()
	}

	switch e.freshness(time.Now()) {
	case Hit:
		c.stats.hits.Add(1)
		metrics.IncCacheLookup("hit")
		return e, Hit
	case Stale:
		if !e.Revalidate {
			e.Revalidate = true
			c.writeEntry(ctx, e)
			c.stats.stales.Add(1)
			metrics.IncCacheLookup("stale")
			return e, Stale
		}
		return c.miss()
	default:
		// Redis expiry lags the logical window when clocks drift.
		if err := c.client.Del(ctx, redisNamespace+key).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("redis delete failed")
		}
		c.stats.evictions.Add(1)
		metrics.AddCacheEvictions("expired", 1)
		return c.miss()
	}
}

func (c *RedisCache) Put(ctx context.Context, e Entry) {
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	if e.ETag == "" {
		e.ETag = ETag(e.Body)
	}
	e.Revalidate = false
	c.writeEntry(ctx, e)
}

func (c *RedisCache) InvalidatePrefix(ctx context.Context, prefix string) int {
	// Keys embed "METHOD path|hash", so the glob pins the path position.
	pattern := redisNamespace + "* " + prefix + "*"
	removed := 0
	iter := c.client.Scan(ctx, 0, pattern, 64).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", iter.Val()).Msg("redis delete failed")
			continue
		}
		removed++
		metrics.AddCacheEvictions("invalidate", 1)
		if c.evictEvents {
			c.logger.Debug().
				Str("event", "cache.evict").
				Str("key", iter.Val()).
				Str("reason", "invalidate").
				Msg("cache entry removed")
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn().Err(err).Str("prefix", prefix).Msg("redis scan failed")
	}
	c.stats.invalidations.Add(int64(removed))
	return removed
}

func (c *RedisCache) Stats(ctx context.Context) Stats {
	size, err := c.client.DBSize(ctx).Result()
	if err != nil {
		c.logger.Warn().Err(err).Msg("redis dbsize failed")
		size = 0
	}

	return Stats{
		Backend:       "redis",
		Items:         int(size),
		Hits:          c.stats.hits.Load(),
		Stales:        c.stats.stales.Load(),
		Misses:        c.stats.misses.Load(),
		Evictions:     c.stats.evictions.Load(),
		Invalidations: c.stats.invalidations.Load(),
	}
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// miss accounts for one lookup that returned nothing.
func (c *RedisCache) miss() (Entry, State) {
	c.stats.misses.Add(1)
	metrics.IncCacheLookup("miss")
	return Entry{}, Miss
}

// writeEntry stores the entry under its logical expiry. Write failures are
// logged and swallowed so the cache never turns into an error source.
func (c *RedisCache) writeEntry(ctx context.Context, e Entry) {
	expiry := time.Until(e.StoredAt.Add(e.TTL + e.SWR))
	if expiry <= 0 {
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", e.Key).Msg("cache entry encode failed")
		return
	}

	if err := c.client.Set(ctx, redisNamespace+e.Key, data, expiry).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", e.Key).Msg("redis set failed")
	}
}
