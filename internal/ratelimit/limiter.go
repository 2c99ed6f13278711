// Package ratelimit implements fixed-window request counting over Redis.
// Windows are aligned to wall-clock boundaries, so a caller's budget resets
// at predictable instants rather than sliding with its own traffic.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts requests per key in aligned windows.
type Limiter struct {
	rdb *redis.Client
}

// NewLimiter constructs Limiter.
func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// Result describes one admission decision.
type Result struct {
	Allowed bool
	Count   int64
	Limit   int
	ResetAt time.Time
	RetryIn time.Duration
}

// Allow admits a request against the given window. A non-positive limit means
// unlimited. The first hit of a window sets its expiry; Redis drops the
// counter once the window lapses.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := time.Now()
	if limit <= 0 {
		return Result{Allowed: true, Limit: limit}, nil
	}
	bucket := now.Unix() / int64(window.Seconds())
	resetAt := time.Unix((bucket+1)*int64(window.Seconds()), 0)
	redisKey := fmt.Sprintf("ratelimit:%s:%d:%d", key, int64(window.Seconds()), bucket)

	count, err := l.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}
	if count == 1 {
		// Pad the TTL slightly so a slow clock never orphans the counter
		// before the window truly ends.
		if err := l.rdb.Expire(ctx, redisKey, window+time.Second).Err(); err != nil {
			return Result{}, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
	}

	res := Result{
		Allowed: count <= int64(limit),
		Count:   count,
		Limit:   limit,
		ResetAt: resetAt,
	}
	if !res.Allowed {
		res.RetryIn = resetAt.Sub(now)
	}
	return res, nil
}
