// Package admin serves the internal management API: block list, login
// attempt counters, breaker state and gateway status.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/3xpluto/svc-gateway/internal/attempts"
	"github.com/3xpluto/svc-gateway/internal/auth"
	"github.com/3xpluto/svc-gateway/internal/block"
	"github.com/3xpluto/svc-gateway/internal/breaker"
	"github.com/3xpluto/svc-gateway/internal/route"
)

// Server exposes the admin handlers. Mounted by the gateway under its
// internal prefix; the key guard sits in front of every handler.
type Server struct {
	key      string
	blocks   *block.Store
	tracker  *attempts.Tracker
	breakers *breaker.Registry
	table    *route.Table
	verifier *auth.Verifier
	log      *zap.Logger
	started  time.Time
	version  string
}

func New(key string, blocks *block.Store, tracker *attempts.Tracker, breakers *breaker.Registry, table *route.Table, verifier *auth.Verifier, version string, log *zap.Logger) *Server {
	return &Server{
		key:      key,
		blocks:   blocks,
		tracker:  tracker,
		breakers: breakers,
		table:    table,
		verifier: verifier,
		log:      log,
		started:  time.Now(),
		version:  version,
	}
}

// Handler builds the admin mux. Paths are relative to the mount prefix.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /block/{scope}", s.handleBlock)
	mux.HandleFunc("GET /block/{scope}", s.handleListBlocks)
	mux.HandleFunc("GET /block/{scope}/{id}", s.handleBlockStatus)
	mux.HandleFunc("DELETE /block/{scope}/{id}", s.handleUnblock)

	mux.HandleFunc("GET /login-attempts/user/{id}", s.handleUserAttempts)
	mux.HandleFunc("GET /login-attempts/ip/{addr}", s.handleIPAttempts)
	mux.HandleFunc("DELETE /login-attempts/user/{id}", s.handleResetAttempts)

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /routes", s.handleRoutes)
	mux.HandleFunc("GET /breakers", s.handleBreakers)
	mux.HandleFunc("POST /breakers/{name}/open", s.handleForceOpen)
	mux.HandleFunc("POST /breakers/{name}/close", s.handleForceClose)

	return s.guard(mux)
}

// guard enforces the admin key. With no key configured the whole surface
// pretends not to exist.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.key == "" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Admin-Key") != s.key {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "admin key required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": msg})
}

func scopeOf(w http.ResponseWriter, r *http.Request) (block.Scope, bool) {
	raw := r.PathValue("scope")
	if !block.ValidScope(raw) {
		badRequest(w, "scope must be one of user, ip, key")
		return "", false
	}
	return block.Scope(raw), true
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	id := q.Get("id")
	if id == "" {
		badRequest(w, "id is required")
		return
	}
	reason := q.Get("reason")
	if reason == "" {
		reason = "blocked by administrator"
	}

	var ttl time.Duration
	if raw := q.Get("ttlSeconds"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			badRequest(w, "ttlSeconds must be a non-negative integer")
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	if err := s.blocks.Block(r.Context(), scope, id, reason, ttl); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
		return
	}
	s.log.Info("subject blocked",
		zap.String("scope", string(scope)),
		zap.String("id", id),
		zap.String("reason", reason),
		zap.Duration("ttl", ttl))
	writeJSON(w, http.StatusCreated, map[string]any{"scope": scope, "id": id, "reason": reason})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	existed, err := s.blocks.Unblock(r.Context(), scope, id)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
		return
	}
	if !existed {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no such block"})
		return
	}
	s.log.Info("subject unblocked", zap.String("scope", string(scope)), zap.String("id", id))
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "id": id, "removed": true})
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	entries, err := s.blocks.List(r.Context(), scope)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "entries": entries})
}

func (s *Server) handleBlockStatus(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOf(w, r)
	if !ok {
		return
	}
	st, err := s.blocks.IsBlocked(r.Context(), scope, r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUserAttempts(w http.ResponseWriter, r *http.Request) {
	st, err := s.tracker.UserStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleIPAttempts(w http.ResponseWriter, r *http.Request) {
	st, err := s.tracker.IPStatus(r.Context(), r.PathValue("addr"))
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleResetAttempts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.tracker.Reset(r.Context(), id); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
		return
	}
	s.log.Info("login attempts reset", zap.String("user", id))
	writeJSON(w, http.StatusOK, map[string]any{"user": id, "reset": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"routes":         len(s.table.Routes()),
		"jwks":           s.verifier.Stats(),
	})
}

type routeView struct {
	ID       string   `json:"id"`
	Methods  []string `json:"methods,omitempty"`
	Pattern  string   `json:"pattern"`
	Upstream string   `json:"upstream"`
	Public   bool     `json:"public"`
	Policy   string   `json:"policy"`
	Breaker  bool     `json:"breaker"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := s.table.Routes()
	out := make([]routeView, 0, len(routes))
	for _, rt := range routes {
		out = append(out, routeView{
			ID:       rt.ID,
			Methods:  rt.Methods,
			Pattern:  rt.Pattern,
			Upstream: rt.Upstream.String(),
			Public:   rt.Public,
			Policy:   rt.PolicyName(),
			Breaker:  rt.BreakerEnabled,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.Snapshots())
}

func (s *Server) handleForceOpen(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	b, ok := s.breakers.Lookup(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no such breaker"})
		return
	}
	b.ForceOpen()
	s.log.Warn("breaker forced open", zap.String("breaker", name))
	writeJSON(w, http.StatusOK, b.Snapshot())
}

func (s *Server) handleForceClose(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	b, ok := s.breakers.Lookup(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no such breaker"})
		return
	}
	b.ForceClose()
	s.log.Warn("breaker forced closed", zap.String("breaker", name))
	writeJSON(w, http.StatusOK, b.Snapshot())
}
