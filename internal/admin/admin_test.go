package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"go.uber.org/zap"

	"github.com/3xpluto/svc-gateway/internal/attempts"
	"github.com/3xpluto/svc-gateway/internal/block"
	"github.com/3xpluto/svc-gateway/internal/breaker"
	"github.com/3xpluto/svc-gateway/internal/kv"
	"github.com/3xpluto/svc-gateway/internal/route"
	"github.com/3xpluto/svc-gateway/internal/telemetry"
)

const adminKey = "sekrit"

func newTestServer(t *testing.T, key string) (*Server, *block.Store, *breaker.Registry) {
	t.Helper()
	store := kv.NewMemory()
	blocks := block.NewStore(store, zap.NewNop())
	emitter := telemetry.NewEmitter(telemetry.Nop{}, zap.NewNop(), 16)
	tracker := attempts.NewTracker(store, blocks, emitter, zap.NewNop())
	breakers := breaker.NewRegistry(breaker.Settings{}, nil)

	u, err := url.Parse("http://orders:8080")
	if err != nil {
		t.Fatal(err)
	}
	table, err := route.NewTable([]*route.Route{
		{ID: "svc-orders", Pattern: "/api/orders/**", Upstream: u, BreakerEnabled: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	return New(key, blocks, tracker, breakers, table, nil, "1.0", zap.NewNop()), blocks, breakers
}

func do(t *testing.T, h http.Handler, method string, target string, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if key != "" {
		req.Header.Set("X-Admin-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNoKeyConfiguredHidesSurface(t *testing.T) {
	s, _, _ := newTestServer(t, "")
	rec := do(t, s.Handler(), http.MethodGet, "/status", "anything")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWrongKeyRejected(t *testing.T) {
	s, _, _ := newTestServer(t, adminKey)
	h := s.Handler()

	if rec := do(t, h, http.MethodGet, "/status", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/status", adminKey); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestBlockLifecycle(t *testing.T) {
	s, _, _ := newTestServer(t, adminKey)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/block/user?id=user_123&reason=fraud&ttlSeconds=60", adminKey)
	if rec.Code != http.StatusCreated {
		t.Fatalf("block status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/block/user/user_123", adminKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st block.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if !st.Blocked || st.Reason != "fraud" || st.ExpiresAt == nil {
		t.Fatalf("status = %+v", st)
	}

	rec = do(t, h, http.MethodGet, "/block/user", adminKey)
	var list struct {
		Entries []block.Entry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Entries) != 1 || list.Entries[0].ID != "user_123" {
		t.Fatalf("list = %+v", list)
	}

	rec = do(t, h, http.MethodDelete, "/block/user/user_123", adminKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("unblock status = %d", rec.Code)
	}
	rec = do(t, h, http.MethodDelete, "/block/user/user_123", adminKey)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second unblock status = %d", rec.Code)
	}
}

func TestBlockValidation(t *testing.T) {
	s, _, _ := newTestServer(t, adminKey)
	h := s.Handler()

	if rec := do(t, h, http.MethodPost, "/block/bogus?id=x", adminKey); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad scope status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/block/user", adminKey); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/block/user?id=x&ttlSeconds=nope", adminKey); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad ttl status = %d", rec.Code)
	}
}

func TestLoginAttemptEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t, adminKey)
	h := s.Handler()

	// Seed two failures through the tracker.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	s.tracker.RecordFailure(req.Context(), "req", "user_123", "203.0.113.7")
	s.tracker.RecordFailure(req.Context(), "req", "user_123", "203.0.113.7")

	rec := do(t, h, http.MethodGet, "/login-attempts/user/user_123", adminKey)
	var st attempts.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Current != 2 || st.Remaining != attempts.UserThreshold-2 {
		t.Fatalf("user status = %+v", st)
	}

	rec = do(t, h, http.MethodGet, "/login-attempts/ip/203.0.113.7", adminKey)
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Current != 2 {
		t.Fatalf("ip status = %+v", st)
	}

	if rec := do(t, h, http.MethodDelete, "/login-attempts/user/user_123", adminKey); rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/login-attempts/user/user_123", adminKey)
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.Current != 0 {
		t.Fatalf("post-reset status = %+v", st)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	s, _, breakers := newTestServer(t, adminKey)
	h := s.Handler()
	breakers.Get("svc-orders")

	rec := do(t, h, http.MethodGet, "/breakers", adminKey)
	var snaps []breaker.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snaps); err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || snaps[0].State != "closed" {
		t.Fatalf("snapshots = %+v", snaps)
	}

	rec = do(t, h, http.MethodPost, "/breakers/svc-orders/open", adminKey)
	var snap breaker.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.State != "open" {
		t.Fatalf("snapshot = %+v", snap)
	}

	rec = do(t, h, http.MethodPost, "/breakers/svc-orders/close", adminKey)
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.State != "closed" {
		t.Fatalf("snapshot = %+v", snap)
	}

	if rec := do(t, h, http.MethodPost, "/breakers/nope/open", adminKey); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRoutesView(t *testing.T) {
	s, _, _ := newTestServer(t, adminKey)
	rec := do(t, s.Handler(), http.MethodGet, "/routes", adminKey)

	var views []routeView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].ID != "svc-orders" || !views[0].Breaker {
		t.Fatalf("views = %+v", views)
	}
}
