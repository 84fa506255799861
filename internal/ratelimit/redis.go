package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter with a fixed-window counter in Redis.
//
// The global model-call budget is shared across every instance of the
// service, so admission has to live in shared state; a per-process bucket
// would multiply the effective limit by the replica count. The counter key
// includes the window's start timestamp; INCR + EXPIRE run in one pipeline
// so the check-and-count is a single round trip.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// NewRedisLimiter creates a fixed-window limiter allowing limit requests per
// window per key. The client is owned by the caller.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  int64(limit),
		window: window,
	}
}

// Allow consumes one slot in the current window for key. An error signals a
// limiter malfunction; per the Limiter contract callers treat that as
// fail-open.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowStart := time.Now().UTC().Truncate(l.window).Unix()
	counterKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, windowStart)

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, counterKey)
	// Expiry slightly past the window end so a clock-skewed reader never
	// sees the counter vanish mid-window.
	pipe.Expire(ctx, counterKey, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	return count.Val() <= l.limit, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (l *RedisLimiter) Close() error { return nil }
