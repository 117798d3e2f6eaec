package ratelimit

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	shardCount      = 64
	sweepEveryOps   = 1024
	redisKeyPrefix  = "ipwarden:rl:"
	redisOpTimeout  = 500 * time.Millisecond
	redisExpirySlop = time.Second
)

// Store increments the counter of key for the window identified by windowID
// and returns the count after the increment.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration, windowID int64) (int64, error)
}

type windowCounter struct {
	windowID int64
	count    int64
	expires  time.Time
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	ops      uint32
}

// MemoryStore keeps counters in process memory, split across shards so
// unrelated keys never contend on the same mutex.
type MemoryStore struct {
	shards [shardCount]shard
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i].counters = make(map[string]*windowCounter)
	}
	return s
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration, windowID int64) (int64, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[key]
	if !ok || c.windowID != windowID {
		c = &windowCounter{
			windowID: windowID,
			expires:  time.Unix(0, (windowID+1)*int64(window)),
		}
		sh.counters[key] = c
	}
	c.count++

	sh.ops++
	if sh.ops%sweepEveryOps == 0 {
		sh.sweep(s.now())
	}
	return c.count, nil
}

// sweep drops counters whose window has ended. Caller holds the shard lock.
func (sh *shard) sweep(now time.Time) {
	for key, c := range sh.counters {
		if !now.Before(c.expires) {
			delete(sh.counters, key)
		}
	}
}

func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.Lock()
		n += len(s.shards[i].counters)
		s.shards[i].mu.Unlock()
	}
	return n
}

// RedisStore shares counters between nodes with INCR on a key per window.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration, windowID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	redisKey := redisKeyPrefix + key + ":" + strconv.FormatInt(windowID, 10)

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.PExpire(ctx, redisKey, window+redisExpirySlop)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
