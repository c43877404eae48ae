package breaker

import "sync"

// Registry holds one breaker per route.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	onChange TransitionFunc
	breakers map[string]*Breaker
}

func NewRegistry(settings Settings, onChange TransitionFunc) *Registry {
	return &Registry{
		settings: settings,
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a route, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.settings, r.onChange)
		r.breakers[name] = b
	}
	return b
}

// Lookup returns the breaker for a route without creating one.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Snapshots lists every breaker for the admin API.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
