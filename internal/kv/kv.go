// Package kv wraps the external key-value store behind a small interface so
// policy components (block list, attempt counters, rate-limit buckets) can be
// tested without a live Redis.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrScriptUnsupported is returned by backends that cannot run server-side
// scripts. Callers relying on atomic scripts must pick a capable backend.
var ErrScriptUnsupported = errors.New("kv: scripts not supported by this backend")

// Store is the command surface the gateway needs. All calls are bounded by
// the backend's per-call timeout.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes a value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// Del removes keys, returning how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	// TTL reports the remaining lifetime. ok is false when the key is absent;
	// ok with a zero ttl means the key has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Eval runs an atomic server-side script.
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
	// Scan enumerates keys matching a glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)
	Close() error
}

// DefaultTimeout bounds each KV round trip so store trouble degrades the
// policy (fail open / treat as absent) instead of stalling requests.
const DefaultTimeout = 200 * time.Millisecond
