package envelope

import (
	"encoding/json"
	"testing"
)

func TestAppliesJSONOnly(t *testing.T) {
	rw := NewRewriter([]string{"/public/", "/auth/"})

	if !rw.Applies("/api/users/me", "application/json; charset=utf-8") {
		t.Fatal("expected json api path to apply")
	}
	if rw.Applies("/api/users/avatar", "image/png") {
		t.Fatal("did not expect binary response to apply")
	}
	if rw.Applies("/public/health", "application/json") {
		t.Fatal("did not expect excluded prefix to apply")
	}
}

func TestWrapSuccessPreservesData(t *testing.T) {
	meta := NewMeta("req-1", 12)
	env := Wrap(200, []byte(`{"id":"user_123","plan":"pro"}`), meta)

	if !env.Success || env.Code != "SUCCESS" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	data, ok := env.Data.(map[string]any)
	if !ok || data["id"] != "user_123" {
		t.Fatalf("expected original json under data, got %#v", env.Data)
	}
	if env.Meta.Gateway != "API-Gateway" || env.Meta.Version != "1.0" {
		t.Fatalf("unexpected meta: %+v", env.Meta)
	}
}

func TestWrapSuccessUnparsableBody(t *testing.T) {
	env := Wrap(200, []byte("plain text"), NewMeta("req-1", 1))
	if env.Data != "plain text" {
		t.Fatalf("expected raw string fallback, got %#v", env.Data)
	}
}

func TestWrapErrorKeepsOriginalResponse(t *testing.T) {
	env := Wrap(404, []byte(`{"error":"no such user"}`), NewMeta("req-9", 3))

	if env.Success || env.Code != "NOT_FOUND" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Error == nil || env.Error.TraceID != "req-9" {
		t.Fatalf("expected trace id, got %+v", env.Error)
	}
	if env.Error.Details["http_status"] != 404 {
		t.Fatalf("expected original status in details, got %#v", env.Error.Details)
	}
}

func TestCodeForStatus(t *testing.T) {
	cases := map[int]string{
		401: "UNAUTHENTICATED",
		403: "FORBIDDEN",
		404: "NOT_FOUND",
		409: "CONFLICT",
		422: "VALIDATION",
		429: "RATE_LIMIT",
		500: "UPSTREAM_ERROR",
		502: "UPSTREAM_ERROR",
		418: "ERROR",
	}
	for status, want := range cases {
		if got := CodeForStatus(status); got != want {
			t.Fatalf("status %d: expected %s, got %s", status, want, got)
		}
	}
}

func TestEnvelopeJSONShape(t *testing.T) {
	env := WrapGatewayError("RATE_LIMIT", "Too many requests, slow down",
		map[string]any{"retry_after": 1}, NewMeta("req-2", 0))

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["success"] != false || m["code"] != "RATE_LIMIT" {
		t.Fatalf("unexpected json: %s", b)
	}
	if _, ok := m["data"]; ok {
		t.Fatal("data should be omitted on errors")
	}
}
