package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Store backed by a pooled go-redis client.
type Redis struct {
	rdb     *redis.Client
	timeout time.Duration
}

func NewRedis(rdb *redis.Client, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Redis{rdb: rdb, timeout: timeout}
}

func (r *Redis) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	v, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if ttl <= 0 {
		ttl = 0
	}
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.rdb.Del(ctx, keys...).Result()
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	n, err := r.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	d, err := r.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	// go-redis passes redis's -2 (missing) and -1 (no expiry) sentinels
	// through as negative durations.
	switch {
	case d == -2:
		return 0, false, nil
	case d < 0:
		return 0, true, nil
	}
	return d, true, nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.rdb.Incr(ctx, key).Result()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.rdb.Expire(ctx, key, ttl).Err()
}

func (r *Redis) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.rdb.Eval(ctx, script, keys, args...).Result()
}

func (r *Redis) Scan(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	var out []string
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (r *Redis) Close() error { return r.rdb.Close() }
