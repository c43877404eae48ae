package filter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/3xpluto/svc-gateway/internal/attempts"
	"github.com/3xpluto/svc-gateway/internal/auth"
	"github.com/3xpluto/svc-gateway/internal/block"
	"github.com/3xpluto/svc-gateway/internal/breaker"
	"github.com/3xpluto/svc-gateway/internal/envelope"
	"github.com/3xpluto/svc-gateway/internal/gwerr"
	"github.com/3xpluto/svc-gateway/internal/kv"
	"github.com/3xpluto/svc-gateway/internal/metrics"
	"github.com/3xpluto/svc-gateway/internal/ratelimit"
	"github.com/3xpluto/svc-gateway/internal/reqctx"
	"github.com/3xpluto/svc-gateway/internal/telemetry"
)

func nopEmitter() *telemetry.Emitter {
	return telemetry.NewEmitter(telemetry.Nop{}, zap.NewNop(), 64)
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope.Envelope {
	t.Helper()
	var env envelope.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	return env
}

func TestBlockCheckShortCircuits(t *testing.T) {
	store := kv.NewMemory()
	blocks := block.NewStore(store, zap.NewNop())
	_ = blocks.Block(context.Background(), block.ScopeIP, "203.0.113.7", "scanner", 0)

	chain := NewChain(envelope.NewRewriter(nil), 0, zap.NewNop(),
		BlockCheck{Blocks: blocks, Metrics: metrics.New()},
	)

	rec := httptest.NewRecorder()
	chain.Execute(rec, testRequest(t, "/api/orders"), okForward(200, "application/json", "{}"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Code != string(gwerr.KindBlocked) {
		t.Fatalf("code = %q", env.Code)
	}
	if env.Error.Details["scope"] != "ip" || env.Error.Details["reason"] != "scanner" {
		t.Fatalf("details = %v", env.Error.Details)
	}
}

func TestBlockCheckPassesCleanTraffic(t *testing.T) {
	blocks := block.NewStore(kv.NewMemory(), zap.NewNop())
	chain := NewChain(envelope.NewRewriter(nil), 0, zap.NewNop(),
		BlockCheck{Blocks: blocks, Metrics: metrics.New()},
	)

	rec := httptest.NewRecorder()
	chain.Execute(rec, testRequest(t, "/api/orders"), okForward(204, "", ""))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimitDeniesAfterBurst(t *testing.T) {
	policies := map[string]ratelimit.Policy{
		"default": {ReplenishRate: 1, Burst: 2, RequestedTokens: 1},
	}
	chain := NewChain(envelope.NewRewriter(nil), 0, zap.NewNop(),
		RateLimit{
			Limiter:  ratelimit.NewMemoryLimiter(),
			Policies: policies,
			Metrics:  metrics.New(),
			Emitter:  nopEmitter(),
			Log:      zap.NewNop(),
		},
		RateLimitHeaders{Policies: policies},
		Envelope{},
	)

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		chain.Execute(last, testRequest(t, "/api/orders"), okForward(200, "application/json", "{}"))
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After")
	}
	if last.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("X-RateLimit-Limit = %q", last.Header().Get("X-RateLimit-Limit"))
	}
	env := decodeEnvelope(t, last)
	if env.Code != string(gwerr.KindRateLimited) {
		t.Fatalf("code = %q", env.Code)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	// The memory KV cannot run scripts, so the redis limiter always errors.
	chain := NewChain(envelope.NewRewriter(nil), 0, zap.NewNop(),
		RateLimit{
			Limiter:  ratelimit.NewRedisLimiter(kv.NewMemory()),
			Policies: ratelimit.BuiltinPolicies(),
			Metrics:  metrics.New(),
			Emitter:  nopEmitter(),
			Log:      zap.NewNop(),
		},
	)

	rec := httptest.NewRecorder()
	chain.Execute(rec, testRequest(t, "/api/orders"), okForward(204, "", ""))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("limiter outage must fail open, status = %d", rec.Code)
	}
}

func TestIdentityPropagation(t *testing.T) {
	var got http.Header
	forward := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	})

	chain := NewChain(envelope.NewRewriter(nil), 0, zap.NewNop(), IdentityPropagation{})

	req := testRequest(t, "/api/orders")
	req.Header.Set("X-User-Id", "spoofed")
	req.Header.Set("X-Gateway-Verified", "true")
	rc := reqctx.From(req.Context())
	rc.Principal = &auth.Principal{
		Subject:     "user_123",
		Email:       "alice@example.com",
		Permissions: []string{"orders:read", "orders:write"},
		Roles:       []string{"customer"},
	}

	chain.Execute(httptest.NewRecorder(), req, forward)

	if got.Get("X-User-Id") != "user_123" {
		t.Fatalf("X-User-Id = %q", got.Get("X-User-Id"))
	}
	if got.Get("X-User-Authorities") != "orders:read,orders:write" {
		t.Fatalf("X-User-Authorities = %q", got.Get("X-User-Authorities"))
	}
	if got.Get("X-Gateway-Verified") != "true" {
		t.Fatal("expected X-Gateway-Verified")
	}
	if got.Get("X-Gateway-Verification-Time") == "" {
		t.Fatal("expected X-Gateway-Verification-Time")
	}
}

func TestIdentityHeadersStrippedWithoutPrincipal(t *testing.T) {
	var got http.Header
	forward := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	})

	chain := NewChain(envelope.NewRewriter(nil), 0, zap.NewNop(), IdentityPropagation{})

	req := testRequest(t, "/api/orders")
	req.Header.Set("X-User-Id", "spoofed")
	req.Header.Set("X-Gateway-Verified", "true")
	chain.Execute(httptest.NewRecorder(), req, forward)

	if got.Get("X-User-Id") != "" || got.Get("X-Gateway-Verified") != "" {
		t.Fatal("inbound identity headers must be stripped")
	}
}

func TestCircuitBreakerShortCircuits(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Settings{
		WindowSize:     4,
		MinSamples:     2,
		HalfOpenProbes: 1,
	}, nil)
	chain := NewChain(envelope.NewRewriter(nil), 0, zap.NewNop(), CircuitBreaker{Registry: reg})

	fail := okForward(500, "text/plain", "boom")
	for i := 0; i < 2; i++ {
		req := testRequest(t, "/api/orders")
		reqctx.From(req.Context()).Route.BreakerEnabled = true
		reqctx.From(req.Context()).Route.FallbackMessage = "Orders is napping"
		chain.Execute(httptest.NewRecorder(), req, fail)
	}

	req := testRequest(t, "/api/orders")
	reqctx.From(req.Context()).Route.BreakerEnabled = true
	reqctx.From(req.Context()).Route.FallbackMessage = "Orders is napping"
	rec := httptest.NewRecorder()
	chain.Execute(rec, req, fail)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Code != string(gwerr.KindCircuitOpen) {
		t.Fatalf("code = %q", env.Code)
	}
	if env.Message != "Orders is napping" {
		t.Fatalf("message = %q", env.Message)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After")
	}
}

func TestCircuitBreakerAbortedCallStillCounts(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Settings{
		WindowSize:     4,
		MinSamples:     2,
		OpenDuration:   time.Millisecond,
		HalfOpenProbes: 1,
	}, nil)
	chain := NewChain(envelope.NewRewriter(nil), 0, zap.NewNop(), CircuitBreaker{Registry: reg})

	newReq := func() *http.Request {
		req := testRequest(t, "/api/orders")
		reqctx.From(req.Context()).Route.BreakerEnabled = true
		return req
	}

	fail := okForward(500, "text/plain", "boom")
	for i := 0; i < 2; i++ {
		chain.Execute(httptest.NewRecorder(), newReq(), fail)
	}
	if got := reg.Get("svc-orders").State(); got != breaker.Open {
		t.Fatalf("state = %v, want open", got)
	}
	time.Sleep(20 * time.Millisecond)

	// The single recovery call gets its status out, then the client vanishes
	// mid-body. The verdict must still land or the breaker stays wedged.
	abort := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		panic(http.ErrAbortHandler)
	})
	chain.Execute(httptest.NewRecorder(), newReq(), abort)

	if got := reg.Get("svc-orders").State(); got != breaker.Closed {
		t.Fatalf("state = %v after aborted recovery call, want closed", got)
	}
}

func TestRequestEndReportsWrappedBytes(t *testing.T) {
	pub := &memPublisher{}
	em := telemetry.NewEmitter(pub, zap.NewNop(), 16)

	chain := NewChain(envelope.NewRewriter(nil), 0, zap.NewNop(),
		Envelope{},
		TelemetryEnd{Emitter: em},
	)

	rec := httptest.NewRecorder()
	chain.Execute(rec, testRequest(t, "/api/orders"),
		okForward(200, "application/json", `{"id":42}`))
	if err := em.Close(); err != nil {
		t.Fatal(err)
	}

	if len(pub.bodies) != 1 {
		t.Fatalf("events = %d, want 1", len(pub.bodies))
	}
	var ev telemetry.Event
	if err := json.Unmarshal(pub.bodies[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != telemetry.TypeRequestEnd {
		t.Fatalf("type = %q", ev.Type)
	}
	got, _ := ev.Data["bytes_out"].(float64)
	if int(got) != rec.Body.Len() {
		t.Fatalf("bytes_out = %v, wrapped body is %d bytes", ev.Data["bytes_out"], rec.Body.Len())
	}
}

type memPublisher struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (p *memPublisher) Publish(_ string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bodies = append(p.bodies, append([]byte(nil), body...))
	return nil
}

func (p *memPublisher) Close() error { return nil }

func TestAttemptTrackingRecords401(t *testing.T) {
	store := kv.NewMemory()
	blocks := block.NewStore(store, zap.NewNop())
	tracker := attempts.NewTracker(store, blocks, nopEmitter(), zap.NewNop())

	var calls []string
	chain := NewChain(envelope.NewRewriter(nil), 0, zap.NewNop(),
		fakePre{name: "deny", order: 0, calls: &calls, err: gwerr.New(gwerr.KindUnauthenticated, "bad token")},
		AttemptTracking{Tracker: tracker},
	)

	chain.Execute(httptest.NewRecorder(), testRequest(t, "/api/orders"), okForward(200, "", ""))

	st, err := tracker.IPStatus(context.Background(), "203.0.113.7")
	if err != nil {
		t.Fatal(err)
	}
	if st.Current != 1 {
		t.Fatalf("ip failures = %d", st.Current)
	}
}

func TestRequestIDFilterGeneratesWhenMissing(t *testing.T) {
	chain := NewChain(envelope.NewRewriter(nil), 0, zap.NewNop(), RequestID{})

	req := testRequest(t, "/api/orders")
	rc := reqctx.From(req.Context())
	rc.RequestID = ""
	rec := httptest.NewRecorder()
	chain.Execute(rec, req, okForward(204, "", ""))

	if rc.RequestID == "" {
		t.Fatal("expected generated request id")
	}
	if rec.Header().Get("X-Request-ID") != rc.RequestID {
		t.Fatalf("header = %q, rc = %q", rec.Header().Get("X-Request-ID"), rc.RequestID)
	}
}
