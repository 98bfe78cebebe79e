package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/medsafety/internal/platform/metrics"
)

const (
	DefaultCacheTTL  = time.Hour
	DefaultCacheSize = 10000
)

// InteractionCache stores computed interaction results by their
// order-independent medication key. Puts are idempotent: the same key
// always maps to the same value for a given dataset.
type InteractionCache interface {
	Get(ctx context.Context, key string) (InteractionResult, bool)
	Set(ctx context.Context, key string, r InteractionResult)
	Purge(ctx context.Context) error
}

// MemoryCache is a size-bounded in-process cache whose entries expire after
// a fixed TTL.
type MemoryCache struct {
	lru *expirable.LRU[string, InteractionResult]
}

func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{lru: expirable.NewLRU[string, InteractionResult](size, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (InteractionResult, bool) {
	r, ok := c.lru.Get(key)
	if !ok {
		return InteractionResult{}, false
	}
	return r.clone(), true
}

func (c *MemoryCache) Set(_ context.Context, key string, r InteractionResult) {
	c.lru.Add(key, r.clone())
}

func (c *MemoryCache) Purge(context.Context) error {
	c.lru.Purge()
	return nil
}

// RedisCache shares interaction results across service instances. Redis
// failures degrade to cache misses.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, prefix: "medsafety:interactions:", ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) (InteractionResult, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Msg("interaction cache read failed")
		}
		return InteractionResult{}, false
	}
	var r InteractionResult
	if err := json.Unmarshal(data, &r); err != nil {
		c.logger.Warn().Err(err).Msg("interaction cache entry undecodable")
		return InteractionResult{}, false
	}
	if r.Interactions == nil {
		r.Interactions = []Interaction{}
	}
	return r, true
}

func (c *RedisCache) Set(ctx context.Context, key string, r InteractionResult) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("interaction cache write failed")
	}
}

// Purge removes every interaction entry written by this service.
func (c *RedisCache) Purge(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("purge interaction cache: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan interaction cache: %w", err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("purge interaction cache: %w", err)
		}
	}
	return nil
}

// TieredCache checks the in-process tier first and falls back to the
// shared tier, warming the in-process tier on a shared hit. The shared tier
// is optional.
type TieredCache struct {
	memory  InteractionCache
	shared  InteractionCache
	metrics *metrics.Collector
}

func NewTieredCache(memory, shared InteractionCache, m *metrics.Collector) *TieredCache {
	return &TieredCache{memory: memory, shared: shared, metrics: m}
}

func (c *TieredCache) Get(ctx context.Context, key string) (InteractionResult, bool) {
	if r, ok := c.memory.Get(ctx, key); ok {
		c.metrics.CacheLookup("memory", true)
		return r, true
	}
	c.metrics.CacheLookup("memory", false)
	if c.shared == nil {
		return InteractionResult{}, false
	}
	r, ok := c.shared.Get(ctx, key)
	c.metrics.CacheLookup("redis", ok)
	if ok {
		c.memory.Set(ctx, key, r)
	}
	return r, ok
}

func (c *TieredCache) Set(ctx context.Context, key string, r InteractionResult) {
	c.memory.Set(ctx, key, r)
	if c.shared != nil {
		c.shared.Set(ctx, key, r)
	}
}

func (c *TieredCache) Purge(ctx context.Context) error {
	if err := c.memory.Purge(ctx); err != nil {
		return err
	}
	if c.shared != nil {
		return c.shared.Purge(ctx)
	}
	return nil
}
