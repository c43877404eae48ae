package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/3xpluto/svc-gateway/internal/kv"
)

// tokenBucketScript refills and drains one bucket atomically. Refill is in
// whole tokens: the timestamp only advances when at least one token was
// minted, so fractional progress is never lost for low rates.
//
// KEYS[1] bucket hash   ARGV: rate, burst, requested, now, ttl
// Returns {allowed, tokens, ts}.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil or ts == nil then
  tokens = burst
  ts = now
end

local elapsed = now - ts
if elapsed < 0 then
  elapsed = 0
end
local refill = math.floor(elapsed * rate)
if refill > 0 then
  tokens = math.min(burst, tokens + refill)
  ts = now
end

local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'ts', ts)
redis.call('EXPIRE', KEYS[1], ttl)
return {allowed, tokens, ts}
`

// RedisLimiter keeps bucket state in the KV store so every gateway instance
// sees the same counters.
type RedisLimiter struct {
	kv kv.Store
}

func NewRedisLimiter(store kv.Store) *RedisLimiter {
	return &RedisLimiter{kv: store}
}

// Allow consumes policy.RequestedTokens from the bucket at key. Store errors
// are returned to the caller, which decides whether to fail open.
func (l *RedisLimiter) Allow(ctx context.Context, key string, policy Policy) (Decision, error) {
	now := time.Now().Unix()
	res, err := l.kv.Eval(ctx, tokenBucketScript, []string{key},
		formatInt(policy.ReplenishRate),
		formatInt(policy.Burst),
		formatInt(policy.RequestedTokens),
		now,
		formatInt(policy.BucketTTLSeconds()),
	)
	if err != nil {
		return Decision{}, err
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %T", res)
	}
	allowed, err := asInt64(vals[0])
	if err != nil {
		return Decision{}, err
	}
	tokens, err := asInt64(vals[1])
	if err != nil {
		return Decision{}, err
	}
	ts, err := asInt64(vals[2])
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:   allowed == 1,
		Remaining: tokens,
		ResetAt:   ts + int64(policy.RefillSeconds()),
	}
	if !d.Allowed {
		d.RetryAfter = int(d.ResetAt - now)
		if d.RetryAfter < 1 {
			d.RetryAfter = 1
		}
	}
	return d, nil
}

func (l *RedisLimiter) Close() error { return nil }

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("ratelimit: unexpected script value %T", v)
	}
}
