package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	memoryMaxBuckets = 10000
	memoryIdleEvict  = 10 * time.Minute
)

type memBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter is the single-instance fallback used when no KV store is
// configured. Counters are per process, so a multi-instance deployment must
// use the Redis limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*memBucket)}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, policy Policy) (Decision, error) {
	now := time.Now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &memBucket{lim: rate.NewLimiter(rate.Limit(policy.ReplenishRate), policy.Burst)}
		if len(l.buckets) >= memoryMaxBuckets {
			l.evictIdle(now)
		}
		l.buckets[key] = b
	}
	b.lastSeen = now
	allowed := b.lim.AllowN(now, policy.RequestedTokens)
	remaining := int64(b.lim.TokensAt(now))
	l.mu.Unlock()

	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   now.Unix() + int64(policy.RefillSeconds()),
	}
	if !allowed {
		d.RetryAfter = policy.RefillSeconds()
	}
	return d, nil
}

// evictIdle drops buckets not seen recently; called with the lock held.
func (l *MemoryLimiter) evictIdle(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > memoryIdleEvict {
			delete(l.buckets, k)
		}
	}
}

func (l *MemoryLimiter) Close() error { return nil }
