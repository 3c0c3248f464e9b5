package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisWindowScript runs the token bucket atomically in Redis so every
// node sees the same window.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds)
var redisWindowScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return {allowed, tostring(tokens)}
`)

// RedisWindowLimiter shares the rate window across nodes via Redis.
type RedisWindowLimiter struct {
	client *redis.Client
}

// NewRedisWindowLimiter creates a Redis-backed window limiter.
func NewRedisWindowLimiter(addr, password string, db int) *RedisWindowLimiter {
	return &RedisWindowLimiter{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (l *RedisWindowLimiter) Allow(ctx context.Context, tenant string, perMinute, burst int) (bool, time.Duration, error) {
	if perMinute <= 0 {
		return true, 0, nil
	}
	if burst <= 0 {
		burst = 1
	}

	ratePerSec := float64(perMinute) / 60.0
	now := float64(time.Now().UnixMicro()) / 1e6
	key := fmt.Sprintf("quota:window:%s", tenant)

	res, err := redisWindowScript.Run(ctx, l.client, []string{key}, ratePerSec, burst, 1, now).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis window limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, 0, fmt.Errorf("invalid response from window script")
	}
	allowed, _ := results[0].(int64)
	if allowed == 1 {
		return true, 0, nil
	}

	// One token refills in 1/rate seconds.
	retry := time.Duration(float64(time.Second) / ratePerSec)
	return false, retry, nil
}

// Close closes the Redis client.
func (l *RedisWindowLimiter) Close() error {
	return l.client.Close()
}
