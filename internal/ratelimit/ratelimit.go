// Package ratelimit implements the per-route token-bucket limiter.
package ratelimit

import (
	"context"
	"strconv"
)

// Policy is a named token-bucket configuration.
type Policy struct {
	// ReplenishRate is whole tokens added per second.
	ReplenishRate int `yaml:"replenish_rate"`
	// Burst is the bucket capacity.
	Burst int `yaml:"burst"`
	// RequestedTokens is the cost of one call.
	RequestedTokens int `yaml:"requested_tokens"`
}

// BuiltinPolicies returns the default policy set; config may override or
// extend it.
func BuiltinPolicies() map[string]Policy {
	return map[string]Policy{
		"default": {ReplenishRate: 1, Burst: 3, RequestedTokens: 1},
		"lenient": {ReplenishRate: 20, Burst: 40, RequestedTokens: 1},
		"strict":  {ReplenishRate: 5, Burst: 10, RequestedTokens: 2},
		"admin":   {ReplenishRate: 15, Burst: 30, RequestedTokens: 1},
	}
}

// BucketTTLSeconds is how long an idle bucket key lives: twice the time a
// full refill takes.
func (p Policy) BucketTTLSeconds() int {
	ttl := 2 * ceilDiv(p.Burst, p.ReplenishRate)
	if ttl < 2 {
		ttl = 2
	}
	return ttl
}

// RefillSeconds is how long one call's worth of tokens takes to replenish.
func (p Policy) RefillSeconds() int {
	s := ceilDiv(p.RequestedTokens, p.ReplenishRate)
	if s < 1 {
		s = 1
	}
	return s
}

func ceilDiv(a int, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

// Decision is the outcome of one limiter call.
type Decision struct {
	Allowed   bool
	Remaining int64
	// ResetAt is the unix second at which one call's worth of tokens will be
	// available again.
	ResetAt int64
	// RetryAfter is seconds until the caller should retry; >= 1 on denial.
	RetryAfter int
}

// Limiter consumes tokens for a bucket key under a policy.
type Limiter interface {
	Allow(ctx context.Context, key string, policy Policy) (Decision, error)
	Close() error
}

// BucketKey builds the KV key for a policy and subject. Authenticated
// callers are limited per user, anonymous ones per client IP.
func BucketKey(policyName string, subject string, clientIP string) string {
	if subject != "" {
		return "rl:" + policyName + ":user:" + subject
	}
	return "rl:" + policyName + ":ip:" + clientIP
}

func formatInt(n int) string { return strconv.Itoa(n) }
