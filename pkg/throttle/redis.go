package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript implements the token bucket algorithm atomically in
// Redis so concurrent callers across processes never double-spend the
// same actor's tokens.
// KEYS[1] = bucket key ("throttle:<actorID>")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (float seconds)
var tokenBucketScript = redis.NewScript(`
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
    local added = elapsed * rate
    tokens = tokens + added
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

return {allowed, tokens}
`)

// RedisStore is a Store backed by Redis, for multi-process deployments
// where the per-tenant and global buckets must be shared across every
// gate-handling process.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	key := fmt.Sprintf("throttle:%s", actorID)

	rate := float64(policy.PerMinuteCap) / 60.0
	if rate <= 0 {
		rate = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, s.client, []string{key}, rate, policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("throttle: redis script: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("throttle: unexpected redis script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
