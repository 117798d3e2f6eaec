package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipwarden/internal/metrics"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Permitted  bool
	Count      int64
	Limit      int64
	RetryAfter time.Duration
}

// Limiter applies fixed-window quotas on top of a counter store.
type Limiter struct {
	store Store
	now   func() time.Time
}

func NewLimiter(store Store) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{store: store, now: time.Now}
}

// New picks the counter store named by the rate_limit.store setting.
func New(storeName string, client *redis.Client) *Limiter {
	if strings.EqualFold(storeName, "redis") {
		if client != nil {
			return NewLimiter(NewRedisStore(client))
		}
		log.Warn("Rate limit store set to redis but no redis client is available, using memory store")
	}
	return NewLimiter(NewMemoryStore())
}

// KeyFor derives the client key: the identity when authenticated, the client
// address otherwise.
func KeyFor(identity, clientIP string) string {
	if identity != "" {
		return "user:" + identity
	}
	return "ip:" + clientIP
}

// Allow counts one request for key in the given group, method and window
// bucket. Store failures let the request through.
func (l *Limiter) Allow(ctx context.Context, key, group, method string, rate Rate) Decision {
	if rate.IsZero() {
		return Decision{Permitted: true}
	}

	now := l.now()
	windowID := now.UnixNano() / int64(rate.Window)

	counter := group + "|" + method + "|" + rate.Window.String() + "|" + key
	count, err := l.store.Increment(ctx, counter, rate.Window, windowID)
	if err != nil {
		metrics.RateLimitStoreErrors.Inc()
		log.Warn("Rate limit store failed, allowing request", "key", key, "group", group, "error", err)
		return Decision{Permitted: true, Limit: rate.Limit}
	}

	decision := Decision{
		Permitted: count <= rate.Limit,
		Count:     count,
		Limit:     rate.Limit,
	}
	if !decision.Permitted {
		windowEnd := time.Unix(0, (windowID+1)*int64(rate.Window))
		decision.RetryAfter = windowEnd.Sub(now)
	}
	return decision
}
