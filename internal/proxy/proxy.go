// Package proxy forwards requests to route upstreams.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"go.uber.org/zap"

	"github.com/3xpluto/svc-gateway/internal/envelope"
	"github.com/3xpluto/svc-gateway/internal/gwerr"
	"github.com/3xpluto/svc-gateway/internal/problem"
	"github.com/3xpluto/svc-gateway/internal/reqctx"
	"github.com/3xpluto/svc-gateway/internal/route"
)

// Config bounds the upstream connection pool and its timeouts.
type Config struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConnsPerHost   int
	// RequestTimeout caps the whole upstream exchange; enforced by the
	// filter chain via the request context.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ResponseHeaderTimeout <= 0 {
		c.ResponseHeaderTimeout = 10 * time.Second
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 90 * time.Second
	}
	if c.MaxIdleConnsPerHost <= 0 {
		c.MaxIdleConnsPerHost = 32
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// NewTransport builds the shared upstream transport.
func NewTransport(cfg Config) *http.Transport {
	cfg = cfg.withDefaults()
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		TLSHandshakeTimeout:   5 * time.Second,
	}
}

// deniedHeaders are never forwarded upstream. The standard hop-by-hop set
// plus Cookie, which must not leak across the trust boundary.
var deniedHeaders = []string{
	"Cookie",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder builds per-route reverse proxies over one shared transport.
type Forwarder struct {
	transport http.RoundTripper
	timeout   time.Duration
	log       *zap.Logger
}

func NewForwarder(transport http.RoundTripper, cfg Config, log *zap.Logger) *Forwarder {
	return &Forwarder{transport: transport, timeout: cfg.withDefaults().RequestTimeout, log: log}
}

// Timeout is the per-request upstream deadline.
func (f *Forwarder) Timeout() time.Duration { return f.timeout }

// Handler returns the proxy for one route.
func (f *Forwarder) Handler(rt *route.Route) http.Handler {
	return &httputil.ReverseProxy{
		Transport: f.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = route.StripSegments(pr.In.URL.Path, rt.StripPrefixSegments)
			pr.Out.URL.RawPath = ""
			pr.SetURL(rt.Upstream)
			pr.Out.Host = rt.Upstream.Host
			for _, h := range deniedHeaders {
				pr.Out.Header.Del(h)
			}
			pr.SetXForwarded()
			if pr.In.TLS != nil {
				pr.Out.Header.Set("X-Forwarded-Proto", "https")
			}
			if rc := reqctx.From(pr.In.Context()); rc != nil && rc.ClientIP != "" {
				pr.Out.Header.Set("X-Forwarded-For", rc.ClientIP)
			}
		},
		ErrorHandler: f.errorHandler(rt),
	}
}

func (f *Forwarder) errorHandler(rt *route.Route) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		// A capped request body fails mid-copy; that is the client's fault,
		// not the upstream's.
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			requestID := ""
			if rc := reqctx.From(r.Context()); rc != nil {
				rc.Status = http.StatusRequestEntityTooLarge
				requestID = rc.RequestID
			}
			problem.Write(w, http.StatusRequestEntityTooLarge, "Request body too large",
				fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit), requestID)
			return
		}

		kind := classify(err)
		status := kind.Status()

		rc := reqctx.From(r.Context())
		requestID := ""
		var elapsed time.Duration
		if rc != nil {
			rc.ErrKind = kind
			rc.Status = status
			requestID = rc.RequestID
			elapsed = rc.Elapsed()
		}

		f.log.Warn("upstream call failed",
			zap.String("route", rt.ID),
			zap.String("upstream", rt.Upstream.String()),
			zap.String("kind", string(kind)),
			zap.String("request_id", requestID),
			zap.Error(err))

		env := envelope.WrapGatewayError(string(kind), kind.Message(), map[string]any{
			"route": rt.ID,
		}, envelope.NewMeta(requestID, elapsed.Milliseconds()))
		envelope.WriteJSON(w, status, env)
	}
}

func classify(err error) gwerr.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return gwerr.KindUpstreamTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return gwerr.KindUpstreamTimeout
	}
	return gwerr.KindUpstreamUnreachable
}
