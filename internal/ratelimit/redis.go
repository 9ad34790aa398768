package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window INCR+EXPIRE counter, for deployments where
// the same key may hit multiple instances. The key expires with the window
// so there is nothing to sweep.
type RedisLimiter struct {
	client   *redis.Client
	prefix   string
	attempts int
	window   time.Duration
}

func NewRedisLimiter(client *redis.Client, attempts int, window time.Duration) *RedisLimiter {
	if attempts <= 0 {
		attempts = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: client, prefix: "auth_attempts:", attempts: attempts, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := l.prefix + key
	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("redis incr: %w", err)
	}
	if count == 1 {
		// First attempt in the window starts the clock.
		l.client.Expire(ctx, k, l.window)
	}
	return count <= int64(l.attempts), nil
}
