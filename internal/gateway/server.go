// Package gateway assembles the HTTP front door: request identity, CORS,
// route matching and the per-route filter chain.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/3xpluto/svc-gateway/internal/config"
	"github.com/3xpluto/svc-gateway/internal/envelope"
	"github.com/3xpluto/svc-gateway/internal/filter"
	"github.com/3xpluto/svc-gateway/internal/gwerr"
	"github.com/3xpluto/svc-gateway/internal/metrics"
	"github.com/3xpluto/svc-gateway/internal/netx"
	"github.com/3xpluto/svc-gateway/internal/problem"
	"github.com/3xpluto/svc-gateway/internal/proxy"
	"github.com/3xpluto/svc-gateway/internal/reqctx"
	"github.com/3xpluto/svc-gateway/internal/route"
)

const maxRequestIDLen = 128

// Options carries the wired dependencies the server composes.
type Options struct {
	Config    *config.Config
	Table     *route.Table
	Chain     *filter.Chain
	Forwarder *proxy.Forwarder
	Metrics   *metrics.Metrics
	Resolver  netx.IPResolver
	Admin     http.Handler
	Log       *zap.Logger
}

type Server struct {
	cfg      *config.Config
	table    *route.Table
	chain    *filter.Chain
	metrics  *metrics.Metrics
	resolver netx.IPResolver
	log      *zap.Logger

	// Per-route forward handlers and concurrency caps, fixed at startup.
	forwards map[string]http.Handler
	limits   map[string]*semaphore.Weighted

	mux *http.ServeMux
}

func New(opts Options) *Server {
	s := &Server{
		cfg:      opts.Config,
		table:    opts.Table,
		chain:    opts.Chain,
		metrics:  opts.Metrics,
		resolver: opts.Resolver,
		log:      opts.Log,
		forwards: make(map[string]http.Handler),
		limits:   make(map[string]*semaphore.Weighted),
	}
	for _, rt := range opts.Table.Routes() {
		s.forwards[rt.ID] = opts.Forwarder.Handler(rt)
		if rt.MaxConcurrent > 0 {
			s.limits[rt.ID] = semaphore.NewWeighted(int64(rt.MaxConcurrent))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", opts.Metrics.Handler())
	if opts.Admin != nil {
		mux.Handle("/-/admin/", http.StripPrefix("/-/admin", opts.Admin))
	}
	mux.HandleFunc("/", s.handleProxy)
	s.mux = mux
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// requestID accepts a printable inbound id up to 128 chars, else mints one.
func requestID(r *http.Request) string {
	id := r.Header.Get("X-Request-ID")
	if id == "" || len(id) > maxRequestIDLen {
		return uuid.NewString()
	}
	for _, c := range id {
		if c <= 0x20 || c > 0x7e {
			return uuid.NewString()
		}
	}
	return id
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if s.applyCORS(w, r) {
		return
	}

	rc := &reqctx.Context{
		RequestID: requestID(r),
		Start:     time.Now(),
		ClientIP:  s.resolver.ClientIP(r),
	}
	r = r.WithContext(reqctx.With(r.Context(), rc))
	if s.cfg.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	}

	rt := s.table.Match(r.Method, r.URL.Path)
	if rt == nil {
		w.Header().Set("X-Request-ID", rc.RequestID)
		kind := gwerr.KindRoutingNotFound
		problem.Write(w, kind.Status(), kind.Title(),
			"no route for "+r.Method+" "+r.URL.Path, rc.RequestID)
		return
	}
	rc.Route = rt

	s.metrics.RequestStarted()
	defer s.metrics.RequestFinished()

	if sem, ok := s.limits[rt.ID]; ok {
		if !sem.TryAcquire(1) {
			s.renderOverCapacity(w, rc, rt)
			return
		}
		defer sem.Release(1)
	}

	s.chain.Execute(w, r, s.forwards[rt.ID])
	s.metrics.ObserveRequest(rt.ID, r.Method, rc.Status, rc.Elapsed())
}

// renderOverCapacity rejects a request that exceeded the route's concurrency
// cap without consuming rate-limit tokens or breaker samples.
func (s *Server) renderOverCapacity(w http.ResponseWriter, rc *reqctx.Context, rt *route.Route) {
	kind := gwerr.KindCircuitOpen
	rc.Status = kind.Status()
	rc.ErrKind = kind

	w.Header().Set("X-Request-ID", rc.RequestID)
	w.Header().Set("Retry-After", "1")
	env := envelope.WrapGatewayError(string(kind), "Too many concurrent requests, please retry",
		map[string]any{"route": rt.ID}, envelope.NewMeta(rc.RequestID, rc.Elapsed().Milliseconds()))
	envelope.WriteJSON(w, kind.Status(), env)
	s.metrics.ObserveRequest(rt.ID, "", rc.Status, rc.Elapsed())
}

// applyCORS handles cross-origin headers and answers preflights. Reports
// whether the request was terminated.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	cc := s.cfg.CORS
	if !originAllowed(cc.AllowedOrigins, origin) {
		// Not an error; the browser enforces the missing headers.
		return false
	}

	h := w.Header()
	if cc.AllowCredentials {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
	} else if originAllowed(cc.AllowedOrigins, "*") {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}

	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		h.Set("Access-Control-Allow-Methods", strings.Join(cc.AllowedMethods, ", "))
		h.Set("Access-Control-Allow-Headers", strings.Join(cc.AllowedHeaders, ", "))
		if cc.MaxAge > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(cc.MaxAge))
		}
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

func originAllowed(allowed []string, origin string) bool {
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run serves until ctx is canceled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Listen,
		Handler:      s.mux,
		ReadTimeout:  s.cfg.Server.ReadTimeout.Std(),
		WriteTimeout: s.cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  s.cfg.Server.IdleTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("gateway listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	s.log.Info("draining connections")
	return srv.Shutdown(shutdownCtx)
}
