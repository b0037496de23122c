package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentwire/gateway/internal/logging"
)

// slidingWindowScript implements a sliding window limiter on a Redis
// sorted set. Returns [allowed (0/1), remaining, resetMs].
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    return {1, limit - count - 1, now + window}
else
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local reset = now + window
    if #oldest >= 2 then
        reset = tonumber(oldest[2]) + window
    end
    return {0, 0, reset}
end
`)

// redisWindow is the distributed admission backend. Every gateway
// instance sharing the Redis sees the same counts.
type redisWindow struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

func newRedisWindow(client *redis.Client, prefix string, limit int, window time.Duration) *redisWindow {
	if prefix == "" {
		prefix = "aw:rl:"
	}
	return &redisWindow{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

func (rw *redisWindow) allow(ctx context.Context, key string) (limitResult, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	result, err := slidingWindowScript.Run(ctx, rw.client,
		[]string{rw.prefix + key},
		time.Now().UnixMilli(),
		rw.window.Milliseconds(),
		rw.limit,
	).Int64Slice()
	if err != nil {
		logging.Warn("redis rate limit unavailable, failing open", zap.Error(err))
		return limitResult{}, false, err
	}

	return limitResult{
		limit:     rw.limit,
		remaining: int(result[1]),
		reset:     time.UnixMilli(result[2]),
	}, result[0] == 1, nil
}
