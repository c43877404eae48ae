package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/3xpluto/svc-gateway/internal/envelope"
	"github.com/3xpluto/svc-gateway/internal/gwerr"
	"github.com/3xpluto/svc-gateway/internal/reqctx"
	"github.com/3xpluto/svc-gateway/internal/route"
)

func testRoute(t *testing.T, upstream string, strip int) *route.Route {
	t.Helper()
	u, err := url.Parse(upstream)
	if err != nil {
		t.Fatal(err)
	}
	return &route.Route{ID: "svc-orders", Pattern: "/api/orders/**", Upstream: u, StripPrefixSegments: strip}
}

func newRequest(t *testing.T, target string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rc := &reqctx.Context{RequestID: "req-1", Start: time.Now(), ClientIP: "203.0.113.7"}
	return req.WithContext(reqctx.With(req.Context(), rc))
}

func TestForwardStripsPrefixAndKeepsQuery(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	f := NewForwarder(http.DefaultTransport, Config{}, zap.NewNop())
	h := f.Handler(testRoute(t, upstream.URL, 1))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newRequest(t, "/api/orders/42?full=1"))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotPath != "/orders/42" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotQuery != "full=1" {
		t.Fatalf("query = %q", gotQuery)
	}
}

func TestForwardHeaderHygiene(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer upstream.Close()

	f := NewForwarder(http.DefaultTransport, Config{}, zap.NewNop())
	h := f.Handler(testRoute(t, upstream.URL, 0))

	req := newRequest(t, "/api/orders/42")
	req.Header.Set("Cookie", "session=s3cret")
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("X-Custom", "kept")

	h.ServeHTTP(httptest.NewRecorder(), req)

	if got.Get("Cookie") != "" {
		t.Fatal("Cookie must not reach the upstream")
	}
	if got.Get("Authorization") != "Bearer tok" {
		t.Fatalf("Authorization = %q", got.Get("Authorization"))
	}
	if got.Get("X-Custom") != "kept" {
		t.Fatalf("X-Custom = %q", got.Get("X-Custom"))
	}
	if got.Get("X-Forwarded-For") != "203.0.113.7" {
		t.Fatalf("X-Forwarded-For = %q", got.Get("X-Forwarded-For"))
	}
	if got.Get("X-Forwarded-Proto") != "http" {
		t.Fatalf("X-Forwarded-Proto = %q", got.Get("X-Forwarded-Proto"))
	}
}

func TestUnreachableUpstreamRendersEnvelope(t *testing.T) {
	// Reserved TEST-NET-1 address; nothing listens there.
	cfg := Config{ConnectTimeout: 200 * time.Millisecond}
	f := NewForwarder(NewTransport(cfg), cfg, zap.NewNop())
	h := f.Handler(testRoute(t, "http://192.0.2.1:9", 0))

	req := newRequest(t, "/api/orders/42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var env envelope.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Success {
		t.Fatal("expected error envelope")
	}
	if env.Code != string(gwerr.KindUpstreamTimeout) && env.Code != string(gwerr.KindUpstreamUnreachable) {
		t.Fatalf("code = %q", env.Code)
	}
	if env.Meta.RequestID != "req-1" {
		t.Fatalf("meta = %+v", env.Meta)
	}

	rc := reqctx.From(req.Context())
	if rc.ErrKind == "" || rc.Status != http.StatusServiceUnavailable {
		t.Fatalf("request context not updated: %+v", rc)
	}
}

func TestClassify(t *testing.T) {
	if k := classify(timeoutErr{}); k != gwerr.KindUpstreamTimeout {
		t.Fatalf("classify(timeout) = %v", k)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline exceeded" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
