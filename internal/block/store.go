// Package block maintains the KV-backed block list for users, client IPs and
// API keys.
package block

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3xpluto/svc-gateway/internal/kv"
)

// Scope names the kind of subject a block entry applies to.
type Scope string

const (
	ScopeUser Scope = "user"
	ScopeIP   Scope = "ip"
	ScopeKey  Scope = "key"
)

// ValidScope reports whether s is one of the known scopes.
func ValidScope(s string) bool {
	switch Scope(s) {
	case ScopeUser, ScopeIP, ScopeKey:
		return true
	}
	return false
}

func keyFor(scope Scope, id string) string {
	return "blocked:" + string(scope) + ":" + id
}

// Status is the outcome of a single block check. A nil ExpiresAt on a blocked
// subject means the block is permanent.
type Status struct {
	Blocked   bool       `json:"blocked"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Entry is one block-list record, as listed by the admin API.
type Entry struct {
	Scope     Scope      `json:"scope"`
	ID        string     `json:"id"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Hit identifies which subject of a request matched the block list.
type Hit struct {
	Scope  Scope
	ID     string
	Status Status
}

type Store struct {
	kv  kv.Store
	log *zap.Logger
}

func NewStore(store kv.Store, log *zap.Logger) *Store {
	return &Store{kv: store, log: log}
}

// Block writes an entry; ttl <= 0 makes it permanent.
func (s *Store) Block(ctx context.Context, scope Scope, id string, reason string, ttl time.Duration) error {
	return s.kv.Set(ctx, keyFor(scope, id), reason, ttl)
}

// Unblock removes an entry, reporting whether one existed.
func (s *Store) Unblock(ctx context.Context, scope Scope, id string) (bool, error) {
	n, err := s.kv.Del(ctx, keyFor(scope, id))
	return n > 0, err
}

// IsBlocked checks one subject. KV trouble degrades to "not blocked" with a
// WARN; blocking legitimate traffic on a store outage is the worse failure.
func (s *Store) IsBlocked(ctx context.Context, scope Scope, id string) (Status, error) {
	if id == "" {
		return Status{}, nil
	}
	key := keyFor(scope, id)

	reason, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.log.Warn("block check failed, treating as not blocked",
			zap.String("scope", string(scope)),
			zap.Error(err))
		return Status{}, nil
	}
	if !ok {
		return Status{}, nil
	}

	st := Status{Blocked: true, Reason: reason}
	if ttl, ok, err := s.kv.TTL(ctx, key); err == nil && ok && ttl > 0 {
		t := time.Now().Add(ttl)
		st.ExpiresAt = &t
	}
	return st, nil
}

// CheckRequest consults the user, IP and API-key entries for one request in
// parallel and returns the first hit, preferring user over IP over key for a
// deterministic answer when several match.
func (s *Store) CheckRequest(ctx context.Context, userID string, ip string, apiKey string) (*Hit, error) {
	subjects := []struct {
		scope Scope
		id    string
	}{
		{ScopeUser, userID},
		{ScopeIP, ip},
		{ScopeKey, apiKey},
	}

	results := make([]Status, len(subjects))
	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subjects {
		if sub.id == "" {
			continue
		}
		g.Go(func() error {
			st, err := s.IsBlocked(gctx, sub.scope, sub.id)
			results[i] = st
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, st := range results {
		if st.Blocked {
			return &Hit{Scope: subjects[i].scope, ID: subjects[i].id, Status: st}, nil
		}
	}
	return nil, nil
}

// List enumerates entries for a scope via key scan.
func (s *Store) List(ctx context.Context, scope Scope) ([]Entry, error) {
	prefix := keyFor(scope, "")
	keys, err := s.kv.Scan(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, prefix)
		reason, ok, err := s.kv.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		e := Entry{Scope: scope, ID: id, Reason: reason}
		if ttl, ok, err := s.kv.TTL(ctx, key); err == nil && ok && ttl > 0 {
			t := time.Now().Add(ttl)
			e.ExpiresAt = &t
		}
		out = append(out, e)
	}
	return out, nil
}
