// Package filter runs the pre/post filter chain around the upstream forward.
package filter

import (
	"net/http"
	"time"

	"github.com/3xpluto/svc-gateway/internal/gwerr"
	"github.com/3xpluto/svc-gateway/internal/reqctx"
)

// Filter ordering constants; lower runs first in the pre phase, higher runs
// first in the post phase.
const (
	OrderRequestID       = -100
	OrderTelemetryStart  = -90
	OrderBlockCheck      = -80
	OrderAuth            = -70
	OrderAttemptTracking = -60
	OrderRateLimit       = -50
	OrderCircuitBreaker  = -40
	OrderIdentity        = 10
	OrderEnvelope        = 50
	OrderRateLimitHdrs   = 60
	OrderTelemetryEnd    = 90
)

// Exchange is the mutable state a chain run threads through its filters.
type Exchange struct {
	// W is the client-facing writer. During the post phase a buffering
	// capture may still hold the body, so headers set here can still land.
	W  http.ResponseWriter
	R  *http.Request
	RC *reqctx.Context

	// Capture wraps W around the forward; nil when the request never got
	// that far.
	Capture *Capture

	// Err is the short-circuit or upstream error the chain will render.
	Err *gwerr.Error

	// ForwardDuration is the upstream call latency, set once it returns.
	ForwardDuration time.Duration

	afterForward     []func()
	afterForwardDone bool
	deferred         []func()
}

// AfterForward registers fn to run once the forward settles, before the post
// phase. Pre filters use it to observe the outcome. The callbacks run exactly
// once on every exit path, including panics and client aborts.
func (ex *Exchange) AfterForward(fn func()) {
	ex.afterForward = append(ex.afterForward, fn)
}

// runAfterForward fires the registered callbacks once.
func (ex *Exchange) runAfterForward() {
	if ex.afterForwardDone {
		return
	}
	ex.afterForwardDone = true
	for _, fn := range ex.afterForward {
		fn()
	}
}

// Defer registers fn to run after the response has been fully released,
// when status and byte counts are final.
func (ex *Exchange) Defer(fn func()) {
	ex.deferred = append(ex.deferred, fn)
}

// Pre filters run in ascending order before the forward. A non-nil return
// ends the request.
type Pre interface {
	Name() string
	Order() int
	Pre(ex *Exchange) *gwerr.Error
}

// Post filters run in descending order after the forward or a short circuit.
type Post interface {
	Name() string
	Order() int
	// Always-run post filters execute even when a pre filter ended the
	// request.
	Always() bool
	Post(ex *Exchange)
}
