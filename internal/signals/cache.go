package signals

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// ResultCache stores IP intelligence results by address
type ResultCache interface {
	Get(ctx context.Context, ip string) (IPIntelResult, bool)
	Set(ctx context.Context, ip string, result IPIntelResult)
}

// MemoryCache is an in-process TTL cache
type MemoryCache struct {
	c *gocache.Cache
}

// NewMemoryCache creates a MemoryCache with the given default TTL
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{c: gocache.New(ttl, 10*time.Minute)}
}

func (m *MemoryCache) Get(_ context.Context, ip string) (IPIntelResult, bool) {
	v, ok := m.c.Get(ip)
	if !ok {
		return IPIntelResult{}, false
	}
	r, ok := v.(IPIntelResult)
	return r, ok
}

func (m *MemoryCache) Set(_ context.Context, ip string, result IPIntelResult) {
	m.c.SetDefault(ip, result)
}

// RedisCache shares results between instances. Errors are logged and
// treated as misses.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache creates a RedisCache storing JSON under prefix:ip
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (c *RedisCache) key(ip string) string {
	if c.prefix == "" {
		return ip
	}
	return c.prefix + ":" + ip
}

func (c *RedisCache) Get(ctx context.Context, ip string) (IPIntelResult, bool) {
	val, err := c.client.Get(ctx, c.key(ip)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("ip intel cache read failed", slog.Any("error", err))
		}
		return IPIntelResult{}, false
	}

	var r IPIntelResult
	if err := json.Unmarshal(val, &r); err != nil {
		c.logger.Warn("ip intel cache entry corrupt", slog.Any("error", err))
		return IPIntelResult{}, false
	}
	return r, true
}

func (c *RedisCache) Set(ctx context.Context, ip string, result IPIntelResult) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(ip), data, c.ttl).Err(); err != nil {
		c.logger.Warn("ip intel cache write failed", slog.Any("error", err))
	}
}

// TieredCache checks caches in order and back-fills the faster tiers on a hit
type TieredCache []ResultCache

func (t TieredCache) Get(ctx context.Context, ip string) (IPIntelResult, bool) {
	for i, c := range t {
		if r, ok := c.Get(ctx, ip); ok {
			for _, upper := range t[:i] {
				upper.Set(ctx, ip, r)
			}
			return r, true
		}
	}
	return IPIntelResult{}, false
}

func (t TieredCache) Set(ctx context.Context, ip string, result IPIntelResult) {
	for _, c := range t {
		c.Set(ctx, ip, result)
	}
}
