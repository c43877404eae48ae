// Package attempts counts authentication failures per account and per client
// IP, auto-blocking either once its threshold is crossed.
package attempts

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/3xpluto/svc-gateway/internal/block"
	"github.com/3xpluto/svc-gateway/internal/kv"
	"github.com/3xpluto/svc-gateway/internal/telemetry"
)

// Fixed policy; deployments that need different thresholds change them in
// configuration management, not here.
const (
	UserThreshold = 5
	IPThreshold   = 10
	Window        = 15 * time.Minute
	BlockTTL      = 30 * time.Minute

	AutoBlockReason = "auto-block: repeated failures"
)

func userKey(userID string) string { return "login_attempts:" + userID }
func ipKey(addr string) string     { return "login_attempts:ip:" + addr }

// Status is the read-only view exposed on the admin API.
type Status struct {
	Current         int64      `json:"current"`
	Remaining       int64      `json:"remaining"`
	WindowExpiresAt *time.Time `json:"window_expires_at,omitempty"`
	Blocked         bool       `json:"blocked"`
}

type Tracker struct {
	kv      kv.Store
	blocks  *block.Store
	emitter *telemetry.Emitter
	log     *zap.Logger
}

func NewTracker(store kv.Store, blocks *block.Store, emitter *telemetry.Emitter, log *zap.Logger) *Tracker {
	return &Tracker{kv: store, blocks: blocks, emitter: emitter, log: log}
}

// RecordFailure increments the counters for a failed authentication. The
// userID may be empty when no subject was extractable from the token. KV
// trouble drops the increment; attempt tracking must never fail a request.
func (t *Tracker) RecordFailure(ctx context.Context, requestID string, userID string, ip string) {
	if userID != "" {
		t.bump(ctx, requestID, userKey(userID), block.ScopeUser, userID, UserThreshold)
	}
	if ip != "" {
		t.bump(ctx, requestID, ipKey(ip), block.ScopeIP, ip, IPThreshold)
	}
}

func (t *Tracker) bump(ctx context.Context, requestID string, key string, scope block.Scope, id string, threshold int64) {
	count, err := t.kv.Incr(ctx, key)
	if err != nil {
		t.log.Warn("attempt increment dropped", zap.String("key", key), zap.Error(err))
		return
	}
	if count == 1 {
		if err := t.kv.Expire(ctx, key, Window); err != nil {
			t.log.Warn("attempt window not set", zap.String("key", key), zap.Error(err))
		}
	}
	if count < threshold {
		return
	}

	if err := t.blocks.Block(ctx, scope, id, AutoBlockReason, BlockTTL); err != nil {
		t.log.Warn("auto-block failed", zap.String("scope", string(scope)), zap.Error(err))
		return
	}
	t.log.Info("auto-blocked after repeated auth failures",
		zap.String("scope", string(scope)),
		zap.String("id", id),
		zap.Int64("failures", count))
	t.emitter.Emit(telemetry.TopicAuth, telemetry.NewEvent(telemetry.TypeAutoBlock, requestID, "", map[string]any{
		"scope":    string(scope),
		"id":       id,
		"failures": count,
	}))
}

// RecordSuccess clears both counters after a successful authentication.
func (t *Tracker) RecordSuccess(ctx context.Context, userID string, ip string) {
	keys := make([]string, 0, 2)
	if userID != "" {
		keys = append(keys, userKey(userID))
	}
	if ip != "" {
		keys = append(keys, ipKey(ip))
	}
	if len(keys) == 0 {
		return
	}
	if _, err := t.kv.Del(ctx, keys...); err != nil {
		t.log.Warn("attempt reset dropped", zap.Error(err))
	}
}

// UserStatus reports the window state for an account.
func (t *Tracker) UserStatus(ctx context.Context, userID string) (Status, error) {
	return t.status(ctx, userKey(userID), block.ScopeUser, userID, UserThreshold)
}

// IPStatus reports the window state for a client IP.
func (t *Tracker) IPStatus(ctx context.Context, addr string) (Status, error) {
	return t.status(ctx, ipKey(addr), block.ScopeIP, addr, IPThreshold)
}

func (t *Tracker) status(ctx context.Context, key string, scope block.Scope, id string, threshold int64) (Status, error) {
	var st Status

	v, ok, err := t.kv.Get(ctx, key)
	if err != nil {
		return st, err
	}
	if ok {
		st.Current, _ = strconv.ParseInt(v, 10, 64)
		if ttl, ok, err := t.kv.TTL(ctx, key); err == nil && ok && ttl > 0 {
			exp := time.Now().Add(ttl)
			st.WindowExpiresAt = &exp
		}
	}
	st.Remaining = threshold - st.Current
	if st.Remaining < 0 {
		st.Remaining = 0
	}

	bs, err := t.blocks.IsBlocked(ctx, scope, id)
	if err != nil {
		return st, err
	}
	st.Blocked = bs.Blocked
	return st, nil
}

// Reset clears the counter for an account (admin operation).
func (t *Tracker) Reset(ctx context.Context, userID string) error {
	_, err := t.kv.Del(ctx, userKey(userID))
	return err
}
