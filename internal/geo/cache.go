package geo

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipwarden/internal/domain"
)

const (
	redisKeyPrefix   = "ipwarden:geo:"
	memorySweepEvery = 1024
)

// Cache stores successful lookups. Implementations treat expired entries as
// misses and never return an error to the caller.
type Cache interface {
	Get(ctx context.Context, ip string) (domain.LocationResult, bool)
	Set(ctx context.Context, ip string, result domain.LocationResult, ttl time.Duration)
}

type memoryEntry struct {
	result  domain.LocationResult
	expires time.Time
}

// MemoryCache is a process-local cache. Concurrent writers for the same key
// are last-writer-wins.
type MemoryCache struct {
	entries sync.Map
	writes  atomic.Uint64
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, ip string) (domain.LocationResult, bool) {
	raw, ok := c.entries.Load(ip)
	if !ok {
		return domain.LocationResult{}, false
	}
	entry := raw.(*memoryEntry)
	if !c.now().Before(entry.expires) {
		c.entries.CompareAndDelete(ip, raw)
		return domain.LocationResult{}, false
	}
	return entry.result, true
}

func (c *MemoryCache) Set(_ context.Context, ip string, result domain.LocationResult, ttl time.Duration) {
	now := c.now()
	c.entries.Store(ip, &memoryEntry{result: result, expires: now.Add(ttl)})

	if c.writes.Add(1)%memorySweepEvery == 0 {
		c.sweep(now)
	}
}

func (c *MemoryCache) sweep(now time.Time) {
	c.entries.Range(func(key, value any) bool {
		if !now.Before(value.(*memoryEntry).expires) {
			c.entries.CompareAndDelete(key, value)
		}
		return true
	})
}

func (c *MemoryCache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// RedisCache shares lookups between nodes; expiry is delegated to redis.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, ip string) (domain.LocationResult, bool) {
	data, err := c.client.Get(ctx, redisKeyPrefix+ip).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Debug("geo cache: redis get failed", "ip", ip, "error", err)
		}
		return domain.LocationResult{}, false
	}

	var result domain.LocationResult
	if err := json.Unmarshal(data, &result); err != nil {
		log.Debug("geo cache: dropping undecodable entry", "ip", ip, "error", err)
		return domain.LocationResult{}, false
	}
	return result, true
}

func (c *RedisCache) Set(ctx context.Context, ip string, result domain.LocationResult, ttl time.Duration) {
	data, err := json.Marshal(result)
	if err != nil {
		log.Debug("geo cache: marshal failed", "ip", ip, "error", err)
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+ip, data, ttl).Err(); err != nil {
		log.Debug("geo cache: redis set failed", "ip", ip, "error", err)
	}
}
