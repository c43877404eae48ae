// Package route holds the static route table and its matching rules.
package route

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Route is one immutable forwarding rule.
type Route struct {
	// ID names the route in logs, metrics and breaker state.
	ID string
	// Methods restricts matching; empty means any method.
	Methods []string
	// Pattern is a path glob. Segments match one path element, a trailing
	// "/**" matches the bare prefix and everything below it.
	Pattern string
	// Upstream is the origin requests are forwarded to.
	Upstream *url.URL
	// StripPrefixSegments removes the first n path segments before forwarding.
	StripPrefixSegments int
	// Public routes skip JWT verification.
	Public bool
	// Policy names the rate-limit policy; empty means "default".
	Policy string
	// BreakerEnabled guards the upstream with a circuit breaker.
	BreakerEnabled bool
	// FallbackMessage overrides the body message while the breaker is open.
	FallbackMessage string
	// MaxConcurrent caps in-flight requests to the upstream; 0 = unlimited.
	MaxConcurrent int
}

// PolicyName returns the effective rate-limit policy name.
func (r *Route) PolicyName() string {
	if r.Policy == "" {
		return "default"
	}
	return r.Policy
}

// Matches reports whether the route applies to a method and path.
func (r *Route) Matches(method string, path string) bool {
	if len(r.Methods) > 0 {
		ok := false
		for _, m := range r.Methods {
			if strings.EqualFold(m, method) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if ok, err := doublestar.Match(r.Pattern, path); err == nil && ok {
		return true
	}
	// "/api/orders/**" also covers the bare "/api/orders".
	if base, found := strings.CutSuffix(r.Pattern, "/**"); found && path == base {
		return true
	}
	return false
}

// StripSegments removes the first n segments of a path, keeping the leading
// slash. Stripping more segments than exist yields "/".
func StripSegments(path string, n int) string {
	if n <= 0 {
		return path
	}
	trimmed := strings.TrimPrefix(path, "/")
	for i := 0; i < n; i++ {
		_, rest, found := strings.Cut(trimmed, "/")
		if !found {
			return "/"
		}
		trimmed = rest
	}
	return "/" + trimmed
}

// Table matches requests against routes in declaration order.
type Table struct {
	routes []*Route
}

func NewTable(routes []*Route) (*Table, error) {
	seen := make(map[string]bool, len(routes))
	for _, r := range routes {
		if r.ID == "" {
			return nil, fmt.Errorf("route with pattern %q has no id", r.Pattern)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate route id %q", r.ID)
		}
		seen[r.ID] = true
		if r.Upstream == nil {
			return nil, fmt.Errorf("route %q has no upstream", r.ID)
		}
		if !doublestar.ValidatePattern(r.Pattern) {
			return nil, fmt.Errorf("route %q has invalid pattern %q", r.ID, r.Pattern)
		}
	}
	return &Table{routes: routes}, nil
}

// Match returns the first route covering the request, or nil.
func (t *Table) Match(method string, path string) *Route {
	for _, r := range t.routes {
		if r.Matches(method, path) {
			return r
		}
	}
	return nil
}

// Routes returns the table in declaration order for the admin API.
func (t *Table) Routes() []*Route {
	return t.routes
}
