package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter allows or denies events per key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Limit() int
}

// slidingWindowScript keeps one sorted-set member per admitted event, scored in ms.
// Rejected events are not recorded, so a client that keeps hammering is let in
// again as soon as its oldest event leaves the window.
//
// KEYS[1] window set
// ARGV[1] now ms, ARGV[2] window ms, ARGV[3] limit, ARGV[4] member
//
// Returns {allowed, remaining, retry_after_ms}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("zremrangebyscore", KEYS[1], "-inf", now - window)
local count = redis.call("zcard", KEYS[1])
if count < limit then
	redis.call("zadd", KEYS[1], now, ARGV[4])
	redis.call("pexpire", KEYS[1], window)
	return {1, limit - count - 1, 0}
end
local oldest = redis.call("zrange", KEYS[1], 0, 0, "withscores")
local retry = window
if oldest[2] then
	retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter admitting
// at most limit events per window for each key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window, now: time.Now}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{"ratelimit:" + key},
		r.now().UnixMilli(), r.window.Milliseconds(), r.limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limiter for %q: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limiter for %q: unexpected reply %v", key, res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
