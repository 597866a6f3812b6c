package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments the counter and sets the expiry only when the window is
// opened, so concurrent callers on any instance share one window.
var incrScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if tonumber(c) == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
return {c, redis.call('PTTL', KEYS[1])}
`)

// RedisLimiter keeps fixed-window counters in Redis.
type RedisLimiter struct {
	rdb    redis.Scripter
	prefix string
	now    func() time.Time
}

type RedisOption func(*RedisLimiter)

func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisLimiter) { r.prefix = strings.Trim(prefix, ":") }
}

func NewRedisLimiter(rdb redis.Scripter, opts ...RedisOption) *RedisLimiter {
	r := &RedisLimiter{
		rdb:    rdb,
		prefix: "rl",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Allow implements Limiter.
func (r *RedisLimiter) Allow(ctx context.Context, key string, window time.Duration, max int) (Decision, error) {
	now := r.now()
	res, err := incrScript.Run(ctx, r.rdb, []string{r.prefix + ":" + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis incr: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("redis incr: unexpected reply %v", res)
	}

	count, pttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if pttl <= 0 {
		pttl = window
	}
	resetAt := now.Add(pttl)

	if count > max {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Decision{Allowed: true, Remaining: max - count, ResetAt: resetAt}, nil
}
