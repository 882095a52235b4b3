package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/contentflow/contentflow/pkg/models"
)

// admitScript runs one fixed-window admission against the Redis server clock,
// so processes with skewed clocks share one window.
// KEYS[1] window hash; ARGV: window_ms, limit.
// Returns {allowed, retry_after_ms, remaining}.
const admitScript = `
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))

if not start or (now - start) >= window then
    start = now
    count = 0
    redis.call('HSET', KEYS[1], 'start', start, 'count', 0)
    redis.call('PEXPIRE', KEYS[1], window)
end

if count >= limit then
    return {0, start + window - now, 0}
end

count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {1, 0, limit - count}
`

// RedisLimiter shares windows across processes through Redis.
type RedisLimiter struct {
	client    redis.UniversalClient
	script    *redis.Script
	namespace string
}

// NewRedis creates a limiter storing windows under namespace.
func NewRedis(client redis.UniversalClient, namespace string) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		script:    redis.NewScript(admitScript),
		namespace: namespace,
	}
}

func (l *RedisLimiter) key(p models.Provider) string {
	// The hash tag keeps a provider's window on one cluster slot.
	return fmt.Sprintf("%s:ratelimit:{%s}", l.namespace, p)
}

// Admit implements Limiter.
func (l *RedisLimiter) Admit(ctx context.Context, p models.Provider, limit int) (Decision, error) {
	if limit <= 0 {
		return denyAll(), nil
	}

	res, err := l.script.Run(ctx, l.client,
		[]string{l.key(p)},
		Window.Milliseconds(), limit,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", p, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script result %v", p, res)
	}

	return Decision{
		Allowed:    res[0] == 1,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
		Remaining:  int(res[2]),
	}, nil
}
