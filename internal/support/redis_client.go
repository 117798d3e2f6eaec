package support

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

// ErrRedisNotConfigured is returned when no REDIS_URL is set. Redis is optional:
// callers fall back to process-local stores.
var ErrRedisNotConfigured = errors.New("support: redis url not configured")

var (
	redisMu     sync.Mutex
	redisClient *redis.Client
)

func RedisConfigured() bool {
	return strings.TrimSpace(redisURL()) != ""
}

func redisURL() string {
	if url := GetEnv("REDIS_URL", ""); url != "" {
		return url
	}
	return GetEnv("redisUrl", "")
}

func GetRedisClient() (*redis.Client, error) {
	redisMu.Lock()
	defer redisMu.Unlock()

	if redisClient != nil {
		return redisClient, nil
	}

	url := strings.TrimSpace(redisURL())
	if url == "" {
		return nil, ErrRedisNotConfigured
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL %q: %w", url, err)
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	redisClient = client
	return redisClient, nil
}

func CloseRedisClient() error {
	redisMu.Lock()
	defer redisMu.Unlock()

	if redisClient == nil {
		return nil
	}

	err := redisClient.Close()
	redisClient = nil
	return err
}
