package attempts

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/3xpluto/svc-gateway/internal/block"
	"github.com/3xpluto/svc-gateway/internal/kv"
	"github.com/3xpluto/svc-gateway/internal/telemetry"
)

func newTestTracker() (*Tracker, *block.Store) {
	store := kv.NewMemory()
	blocks := block.NewStore(store, zap.NewNop())
	emitter := telemetry.NewEmitter(telemetry.Nop{}, zap.NewNop(), 16)
	return NewTracker(store, blocks, emitter, zap.NewNop()), blocks
}

func TestFailuresBelowThresholdDoNotBlock(t *testing.T) {
	tr, blocks := newTestTracker()
	ctx := context.Background()

	for i := 0; i < UserThreshold-1; i++ {
		tr.RecordFailure(ctx, "req", "user_123", "203.0.113.7")
	}

	st, _ := blocks.IsBlocked(ctx, block.ScopeUser, "user_123")
	if st.Blocked {
		t.Fatalf("user blocked too early: %+v", st)
	}

	us, err := tr.UserStatus(ctx, "user_123")
	if err != nil {
		t.Fatal(err)
	}
	if us.Current != UserThreshold-1 || us.Remaining != 1 {
		t.Fatalf("unexpected status: %+v", us)
	}
	if us.WindowExpiresAt == nil {
		t.Fatal("expected window expiry")
	}
}

func TestUserAutoBlockAtThreshold(t *testing.T) {
	tr, blocks := newTestTracker()
	ctx := context.Background()

	for i := 0; i < UserThreshold; i++ {
		tr.RecordFailure(ctx, "req", "user_123", "203.0.113.7")
	}

	st, _ := blocks.IsBlocked(ctx, block.ScopeUser, "user_123")
	if !st.Blocked || st.Reason != AutoBlockReason {
		t.Fatalf("expected auto-block, got %+v", st)
	}
	if st.ExpiresAt == nil {
		t.Fatal("auto-block must be temporary")
	}
	if until := time.Until(*st.ExpiresAt); until > BlockTTL || until < BlockTTL-time.Minute {
		t.Fatalf("block ttl out of range: %v", until)
	}

	// IP threshold is higher; 5 failures must not block the IP yet.
	ipSt, _ := blocks.IsBlocked(ctx, block.ScopeIP, "203.0.113.7")
	if ipSt.Blocked {
		t.Fatalf("ip blocked too early: %+v", ipSt)
	}
}

func TestIPAutoBlockAtThreshold(t *testing.T) {
	tr, blocks := newTestTracker()
	ctx := context.Background()

	// Failures with no extractable subject still count against the IP.
	for i := 0; i < IPThreshold; i++ {
		tr.RecordFailure(ctx, "req", "", "203.0.113.7")
	}

	st, _ := blocks.IsBlocked(ctx, block.ScopeIP, "203.0.113.7")
	if !st.Blocked {
		t.Fatalf("expected ip auto-block, got %+v", st)
	}
}

func TestSuccessResetsCounters(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tr.RecordFailure(ctx, "req", "user_123", "203.0.113.7")
	}
	tr.RecordSuccess(ctx, "user_123", "203.0.113.7")

	us, _ := tr.UserStatus(ctx, "user_123")
	if us.Current != 0 || us.Remaining != UserThreshold {
		t.Fatalf("expected counters reset, got %+v", us)
	}
	ips, _ := tr.IPStatus(ctx, "203.0.113.7")
	if ips.Current != 0 {
		t.Fatalf("expected ip counter reset, got %+v", ips)
	}
}

func TestReset(t *testing.T) {
	tr, _ := newTestTracker()
	ctx := context.Background()

	tr.RecordFailure(ctx, "req", "user_123", "")
	if err := tr.Reset(ctx, "user_123"); err != nil {
		t.Fatal(err)
	}
	us, _ := tr.UserStatus(ctx, "user_123")
	if us.Current != 0 {
		t.Fatalf("expected reset, got %+v", us)
	}
}
