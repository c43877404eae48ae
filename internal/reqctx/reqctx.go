// Package reqctx carries per-request state between the router, the filter
// chain and telemetry. One Context per inbound request; it is not shared
// across goroutines after the response completes.
package reqctx

import (
	"context"
	"time"

	"github.com/3xpluto/svc-gateway/internal/auth"
	"github.com/3xpluto/svc-gateway/internal/gwerr"
	"github.com/3xpluto/svc-gateway/internal/ratelimit"
	"github.com/3xpluto/svc-gateway/internal/route"
)

type Context struct {
	RequestID string
	Start     time.Time
	ClientIP  string
	Route     *route.Route

	// Principal is set after successful JWT verification.
	Principal *auth.Principal
	// AuthCandidate is the unverified token subject, used only to attribute
	// failed attempts.
	AuthCandidate string
	// APIKey is the inbound X-Api-Key value, if any, for block checks.
	APIKey string

	// RateLimit holds the limiter decision once the filter ran.
	RateLimit  *ratelimit.Decision
	PolicyName string

	// Response accounting for telemetry and metrics.
	Status   int
	BytesOut int64
	// ErrKind is set when the gateway produced the terminal response itself.
	ErrKind gwerr.Kind
}

// Elapsed returns the time spent on the request so far.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.Start)
}

// Subject returns the verified principal subject, or "".
func (c *Context) Subject() string {
	if c.Principal == nil {
		return ""
	}
	return c.Principal.Subject
}

type ctxKey struct{}

// With attaches rc to a context.
func With(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From retrieves the request context; nil when absent.
func From(ctx context.Context) *Context {
	rc, _ := ctx.Value(ctxKey{}).(*Context)
	return rc
}
