package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// DistributedLimiter enforces an upstream request budget shared by every
// instance through Redis (GCRA). It satisfies pricing.Limiter.
type DistributedLimiter struct {
	limiter *redis_rate.Limiter
	key     string
	limit   redis_rate.Limit
}

// NewDistributedLimiter allows perMinute requests per minute under key
func NewDistributedLimiter(client *redis.Client, key string, perMinute int) *DistributedLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &DistributedLimiter{
		limiter: redis_rate.NewLimiter(client),
		key:     key,
		limit:   redis_rate.PerMinute(perMinute),
	}
}

// Wait blocks until the shared budget admits one request
func (l *DistributedLimiter) Wait(ctx context.Context) error {
	for {
		res, err := l.limiter.Allow(ctx, l.key, l.limit)
		if err != nil {
			return fmt.Errorf("redis rate limiter: %w", err)
		}
		if res.Allowed > 0 {
			return nil
		}

		wait := res.RetryAfter
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
