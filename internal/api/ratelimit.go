package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a user may create another job now.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// RedisLimiter is a fixed one-minute window counter per user.
type RedisLimiter struct {
	rdb       *redis.Client
	perMinute int
	now       func() time.Time
}

// NewRedisLimiter returns nil when perMinute is not positive.
func NewRedisLimiter(rdb *redis.Client, perMinute int) *RedisLimiter {
	if rdb == nil || perMinute <= 0 {
		return nil
	}
	return &RedisLimiter{rdb: rdb, perMinute: perMinute, now: time.Now}
}

// Allow implements Limiter. A nil limiter allows everything.
func (l *RedisLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	if l == nil {
		return true, nil
	}
	key := windowKey(userID, l.now())
	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit increment: %w", err)
	}
	if count == 1 {
		// First hit in this window.
		_ = l.rdb.Expire(ctx, key, time.Minute).Err()
	}
	return count <= int64(l.perMinute), nil
}

func windowKey(userID string, now time.Time) string {
	return fmt.Sprintf("scribe:rl:%s:%s", userID, now.UTC().Format("200601021504"))
}
