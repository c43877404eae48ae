package filter

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3xpluto/svc-gateway/internal/attempts"
	"github.com/3xpluto/svc-gateway/internal/auth"
	"github.com/3xpluto/svc-gateway/internal/block"
	"github.com/3xpluto/svc-gateway/internal/breaker"
	"github.com/3xpluto/svc-gateway/internal/gwerr"
	"github.com/3xpluto/svc-gateway/internal/metrics"
	"github.com/3xpluto/svc-gateway/internal/ratelimit"
	"github.com/3xpluto/svc-gateway/internal/telemetry"
)

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RequestID guarantees every request carries an id and echoes it back.
type RequestID struct{}

func (RequestID) Name() string { return "request_id" }
func (RequestID) Order() int   { return OrderRequestID }

func (RequestID) Pre(ex *Exchange) *gwerr.Error {
	if ex.RC.RequestID == "" {
		ex.RC.RequestID = uuid.NewString()
	}
	ex.W.Header().Set("X-Request-ID", ex.RC.RequestID)
	return nil
}

// TelemetryStart emits the request.start event.
type TelemetryStart struct {
	Emitter *telemetry.Emitter
}

func (TelemetryStart) Name() string { return "telemetry_start" }
func (TelemetryStart) Order() int   { return OrderTelemetryStart }

func (f TelemetryStart) Pre(ex *Exchange) *gwerr.Error {
	f.Emitter.Emit(telemetry.TopicAccess, telemetry.NewEvent(
		telemetry.TypeRequestStart, ex.RC.RequestID, ex.RC.Route.ID, map[string]any{
			"method":    ex.R.Method,
			"path":      ex.R.URL.Path,
			"client_ip": ex.RC.ClientIP,
		}))
	return nil
}

// BlockCheck rejects blocked users, client IPs and API keys before any other
// policy or upstream work happens.
type BlockCheck struct {
	Blocks  *block.Store
	Metrics *metrics.Metrics
}

func (BlockCheck) Name() string { return "block_check" }
func (BlockCheck) Order() int   { return OrderBlockCheck }

func (f BlockCheck) Pre(ex *Exchange) *gwerr.Error {
	rc := ex.RC
	// The unverified token subject is enough to match a block entry; real
	// verification happens later, after blocked traffic is already gone.
	if tok := bearerToken(ex.R); tok != "" {
		rc.AuthCandidate = auth.CandidateSubject(tok)
	}
	rc.APIKey = ex.R.Header.Get("X-Api-Key")

	hit, err := f.Blocks.CheckRequest(ex.R.Context(), rc.AuthCandidate, rc.ClientIP, rc.APIKey)
	if err != nil || hit == nil {
		return nil
	}

	f.Metrics.Blocked(string(hit.Scope))
	details := map[string]any{
		"scope":  string(hit.Scope),
		"reason": hit.Status.Reason,
	}
	if hit.Status.ExpiresAt != nil {
		details["expires_at"] = hit.Status.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return gwerr.New(gwerr.KindBlocked, "subject is blocked").WithDetails(details)
}

// Auth verifies the bearer token on protected routes.
type Auth struct {
	Verifier *auth.Verifier
	// PublicPrefixes bypass verification regardless of route settings.
	PublicPrefixes []string
	Metrics        *metrics.Metrics
	Emitter        *telemetry.Emitter
	Log            *zap.Logger
}

func (Auth) Name() string { return "auth" }
func (Auth) Order() int   { return OrderAuth }

func (f Auth) skip(ex *Exchange) bool {
	if ex.RC.Route.Public {
		return true
	}
	for _, p := range f.PublicPrefixes {
		if strings.HasPrefix(ex.R.URL.Path, p) {
			return true
		}
	}
	return false
}

func (f Auth) Pre(ex *Exchange) *gwerr.Error {
	if f.skip(ex) {
		return nil
	}
	rc := ex.RC

	tok := bearerToken(ex.R)
	if tok == "" {
		f.Metrics.AuthFailure(string(auth.FailureMalformed))
		return gwerr.New(gwerr.KindUnauthenticated, "missing bearer token")
	}

	principal, err := f.Verifier.Verify(ex.R.Context(), tok)
	if err != nil {
		if errors.Is(err, auth.ErrKeyUnavailable) {
			f.Log.Error("signing keys unavailable", zap.String("request_id", rc.RequestID), zap.Error(err))
			return gwerr.Wrap(gwerr.KindUpstreamUnreachable, "authentication temporarily unavailable", err).
				WithMessage("Authentication temporarily unavailable, please retry")
		}
		code := auth.CodeOf(err)
		f.Metrics.AuthFailure(string(code))
		f.Emitter.Emit(telemetry.TopicAuth, telemetry.NewEvent(
			telemetry.TypeAuthFailure, rc.RequestID, rc.Route.ID, map[string]any{
				"code":      string(code),
				"client_ip": rc.ClientIP,
				"subject":   rc.AuthCandidate,
			}))
		return gwerr.Wrap(gwerr.KindUnauthenticated, "token rejected: "+string(code), err)
	}

	rc.Principal = principal
	f.Emitter.Emit(telemetry.TopicAuth, telemetry.NewEvent(
		telemetry.TypeAuthSuccess, rc.RequestID, rc.Route.ID, map[string]any{
			"subject": principal.Subject,
		}))
	return nil
}

// AttemptTracking records authentication outcomes after the response is
// decided, feeding the auto-block thresholds.
type AttemptTracking struct {
	Tracker *attempts.Tracker
}

func (AttemptTracking) Name() string { return "attempt_tracking" }
func (AttemptTracking) Order() int   { return OrderAttemptTracking }
func (AttemptTracking) Always() bool { return true }

func (f AttemptTracking) Post(ex *Exchange) {
	rc := ex.RC
	switch {
	case rc.Status == http.StatusUnauthorized:
		f.Tracker.RecordFailure(ex.R.Context(), rc.RequestID, rc.AuthCandidate, rc.ClientIP)
	case rc.Principal != nil && rc.Status < http.StatusBadRequest:
		f.Tracker.RecordSuccess(ex.R.Context(), rc.Principal.Subject, rc.ClientIP)
	}
}

// RateLimit consumes tokens for the route's policy. Limiter trouble fails
// open; starving traffic on a store outage is worse than overadmitting.
type RateLimit struct {
	Limiter  ratelimit.Limiter
	Policies map[string]ratelimit.Policy
	Metrics  *metrics.Metrics
	Emitter  *telemetry.Emitter
	Log      *zap.Logger
}

func (RateLimit) Name() string { return "rate_limit" }
func (RateLimit) Order() int   { return OrderRateLimit }

func (f RateLimit) Pre(ex *Exchange) *gwerr.Error {
	rc := ex.RC
	name := rc.Route.PolicyName()
	policy, ok := f.Policies[name]
	if !ok {
		policy = f.Policies["default"]
		name = "default"
	}

	key := ratelimit.BucketKey(name, rc.Subject(), rc.ClientIP)
	d, err := f.Limiter.Allow(ex.R.Context(), key, policy)
	if err != nil {
		f.Log.Warn("rate limiter unavailable, failing open",
			zap.String("request_id", rc.RequestID), zap.Error(err))
		f.Emitter.Emit(telemetry.TopicRateLimit, telemetry.NewEvent(
			telemetry.TypeRateLimitFailOpen, rc.RequestID, rc.Route.ID, map[string]any{
				"policy": name,
			}))
		return nil
	}

	rc.RateLimit = &d
	rc.PolicyName = name
	if d.Allowed {
		return nil
	}

	f.Metrics.RateLimited(name)
	f.Emitter.Emit(telemetry.TopicRateLimit, telemetry.NewEvent(
		telemetry.TypeRateLimitExceeded, rc.RequestID, rc.Route.ID, map[string]any{
			"policy":      name,
			"retry_after": d.RetryAfter,
		}))
	return gwerr.New(gwerr.KindRateLimited, "rate limit exceeded").
		WithRetryAfter(d.RetryAfter).
		WithDetails(map[string]any{"policy": name})
}

// RateLimitHeaders exposes the limiter decision to the client.
type RateLimitHeaders struct {
	Policies map[string]ratelimit.Policy
}

func (RateLimitHeaders) Name() string { return "rate_limit_headers" }
func (RateLimitHeaders) Order() int   { return OrderRateLimitHdrs }
func (RateLimitHeaders) Always() bool { return true }

func (f RateLimitHeaders) Post(ex *Exchange) {
	rc := ex.RC
	if rc.RateLimit == nil {
		return
	}
	h := ex.W.Header()
	if policy, ok := f.Policies[rc.PolicyName]; ok {
		h.Set("X-RateLimit-Limit", strconv.Itoa(policy.Burst))
	}
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(rc.RateLimit.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(rc.RateLimit.ResetAt, 10))
}

// CircuitBreaker short-circuits routes whose upstream is judged unhealthy.
type CircuitBreaker struct {
	Registry *breaker.Registry
}

func (CircuitBreaker) Name() string { return "circuit_breaker" }
func (CircuitBreaker) Order() int   { return OrderCircuitBreaker }

func (f CircuitBreaker) Pre(ex *Exchange) *gwerr.Error {
	rc := ex.RC
	if !rc.Route.BreakerEnabled {
		return nil
	}

	br := f.Registry.Get(rc.Route.ID)
	done, ok := br.Allow()
	if !ok {
		retryAfter := 1
		if rem := br.Snapshot().OpenRemaining; rem > 0 {
			retryAfter = int(rem) + 1
		}
		e := gwerr.New(gwerr.KindCircuitOpen, "circuit open").
			WithRetryAfter(retryAfter).
			WithDetails(map[string]any{"route": rc.Route.ID})
		if rc.Route.FallbackMessage != "" {
			e = e.WithMessage(rc.Route.FallbackMessage)
		}
		return e
	}

	ex.AfterForward(func() {
		failure := rc.Status >= http.StatusInternalServerError || rc.ErrKind != ""
		done(ex.ForwardDuration, failure)
	})
	return nil
}

// IdentityPropagation strips inbound identity headers and re-adds the
// gateway's own for verified principals. Runs last before the forward.
type IdentityPropagation struct{}

func (IdentityPropagation) Name() string { return "identity_propagation" }
func (IdentityPropagation) Order() int   { return OrderIdentity }

func (IdentityPropagation) Pre(ex *Exchange) *gwerr.Error {
	// Clients must never smuggle identity assertions past the gateway.
	for name := range ex.R.Header {
		if strings.HasPrefix(name, "X-User-") || strings.HasPrefix(name, "X-Gateway-") {
			ex.R.Header.Del(name)
		}
	}

	p := ex.RC.Principal
	if p == nil {
		return nil
	}
	h := ex.R.Header
	h.Set("X-User-Id", p.Subject)
	if p.Email != "" {
		h.Set("X-User-Email", p.Email)
	}
	if len(p.Permissions) > 0 {
		h.Set("X-User-Authorities", strings.Join(p.Permissions, ","))
	}
	if len(p.Roles) > 0 {
		h.Set("X-User-Roles", strings.Join(p.Roles, ","))
	}
	h.Set("X-Gateway-Verified", "true")
	h.Set("X-Gateway-Verification-Time", strconv.FormatInt(time.Now().UnixMilli(), 10))
	return nil
}

// Envelope releases the captured response, wrapping eligible JSON bodies.
type Envelope struct{}

func (Envelope) Name() string { return "envelope" }
func (Envelope) Order() int   { return OrderEnvelope }
func (Envelope) Always() bool { return false }

func (Envelope) Post(ex *Exchange) {
	if ex.Capture == nil {
		return
	}
	if ex.RC.ErrKind != "" {
		// The forward already failed and rendered its own envelope.
		ex.Capture.Release()
	} else {
		ex.Capture.Finish(envelopeMeta(ex))
	}
	ex.RC.BytesOut = ex.Capture.BytesOut()
}

// TelemetryEnd emits the request.end event on every exit path.
type TelemetryEnd struct {
	Emitter *telemetry.Emitter
}

func (TelemetryEnd) Name() string { return "telemetry_end" }
func (TelemetryEnd) Order() int   { return OrderTelemetryEnd }
func (TelemetryEnd) Always() bool { return true }

func (f TelemetryEnd) Post(ex *Exchange) {
	// Emission waits for the response release; the byte count is not final
	// until the envelope filter flushes its buffer.
	ex.Defer(func() {
		rc := ex.RC
		data := map[string]any{
			"method":      ex.R.Method,
			"path":        ex.R.URL.Path,
			"client_ip":   rc.ClientIP,
			"status":      rc.Status,
			"duration_ms": rc.Elapsed().Milliseconds(),
			"bytes_out":   rc.BytesOut,
		}
		if rc.ErrKind != "" {
			data["error_kind"] = string(rc.ErrKind)
		}
		f.Emitter.Emit(telemetry.TopicAccess, telemetry.NewEvent(
			telemetry.TypeRequestEnd, rc.RequestID, rc.Route.ID, data))
	})
}
