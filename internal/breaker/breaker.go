// Package breaker implements a count-based circuit breaker with slow-call
// detection. Each upstream route gets its own breaker from the registry.
package breaker

import (
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Settings controls one breaker. Zero fields take the defaults.
type Settings struct {
	// WindowSize is how many recent calls are kept in the ring.
	WindowSize int
	// MinSamples is how many calls must be observed before rates are judged.
	MinSamples int
	// FailureRate and SlowRate open the breaker when reached (0..1].
	FailureRate float64
	SlowRate    float64
	// SlowCallDuration marks a call slow at or above this latency.
	SlowCallDuration time.Duration
	// OpenDuration is how long the breaker rejects before probing.
	OpenDuration time.Duration
	// HalfOpenProbes is how many trial calls decide recovery.
	HalfOpenProbes int
}

func (s Settings) withDefaults() Settings {
	if s.WindowSize <= 0 {
		s.WindowSize = 20
	}
	if s.MinSamples <= 0 {
		s.MinSamples = 10
	}
	if s.FailureRate <= 0 {
		s.FailureRate = 0.5
	}
	if s.SlowRate <= 0 {
		s.SlowRate = 0.5
	}
	if s.SlowCallDuration <= 0 {
		s.SlowCallDuration = 3 * time.Second
	}
	if s.OpenDuration <= 0 {
		s.OpenDuration = 10 * time.Second
	}
	if s.HalfOpenProbes <= 0 {
		s.HalfOpenProbes = 3
	}
	return s
}

type outcome struct {
	failure bool
	slow    bool
}

// Snapshot is the read-only view exposed on the admin API.
type Snapshot struct {
	Name        string  `json:"name"`
	State       string  `json:"state"`
	Samples     int     `json:"samples"`
	FailureRate float64 `json:"failure_rate"`
	SlowRate    float64 `json:"slow_rate"`
	// OpenRemaining is seconds until the next probe window; zero unless open.
	OpenRemaining float64 `json:"open_remaining,omitempty"`
}

// TransitionFunc observes state changes.
type TransitionFunc func(name string, from State, to State)

// Breaker judges calls against a sliding window of recent outcomes.
type Breaker struct {
	name     string
	settings Settings
	onChange TransitionFunc
	now      func() time.Time

	mu        sync.Mutex
	state     State
	ring      []outcome
	idx       int
	samples   int
	openUntil time.Time

	// half-open probe accounting
	probesInFlight int
	probeSuccesses int
}

func New(name string, settings Settings, onChange TransitionFunc) *Breaker {
	s := settings.withDefaults()
	return &Breaker{
		name:     name,
		settings: s,
		onChange: onChange,
		now:      time.Now,
		ring:     make([]outcome, s.WindowSize),
	}
}

// Allow reports whether a call may proceed. When it may, the returned func
// must be called exactly once with the call's latency and verdict.
func (b *Breaker) Allow() (func(d time.Duration, failure bool), bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Before(b.openUntil) {
			return nil, false
		}
		b.transition(HalfOpen)
		fallthrough
	case HalfOpen:
		if b.probesInFlight+b.probeSuccesses >= b.settings.HalfOpenProbes {
			return nil, false
		}
		b.probesInFlight++
		return b.recordProbe, true
	default:
		return b.record, true
	}
}

func (b *Breaker) record(d time.Duration, failure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Closed {
		// Call outlived a transition; its verdict no longer matters.
		return
	}

	b.ring[b.idx] = outcome{failure: failure, slow: d >= b.settings.SlowCallDuration}
	b.idx = (b.idx + 1) % b.settings.WindowSize
	if b.samples < b.settings.WindowSize {
		b.samples++
	}

	if b.samples < b.settings.MinSamples {
		return
	}
	fr, sr := b.rates()
	if fr >= b.settings.FailureRate || sr >= b.settings.SlowRate {
		b.trip()
	}
}

func (b *Breaker) recordProbe(d time.Duration, failure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != HalfOpen {
		return
	}

	b.probesInFlight--
	// One bad probe settles it; closing requires every probe to come back
	// clean.
	if failure || d >= b.settings.SlowCallDuration {
		b.trip()
		return
	}
	b.probeSuccesses++
	if b.probeSuccesses < b.settings.HalfOpenProbes {
		return
	}
	b.reset()
	b.transition(Closed)
}

// trip moves to Open and arms the probe timer; lock held.
func (b *Breaker) trip() {
	b.openUntil = b.now().Add(b.settings.OpenDuration)
	b.transition(Open)
}

// reset clears the window; lock held.
func (b *Breaker) reset() {
	b.ring = make([]outcome, b.settings.WindowSize)
	b.idx = 0
	b.samples = 0
}

// transition changes state and fires the callback; lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.probesInFlight = 0
	b.probeSuccesses = 0
	if b.onChange != nil {
		// Callback runs outside the lock to keep it free to call back in.
		go b.onChange(b.name, from, to)
	}
}

// rates computes failure and slow shares over the window; lock held.
func (b *Breaker) rates() (failureRate float64, slowRate float64) {
	if b.samples == 0 {
		return 0, 0
	}
	var failures, slow int
	for i := 0; i < b.samples; i++ {
		if b.ring[i].failure {
			failures++
		}
		if b.ring[i].slow {
			slow++
		}
	}
	n := float64(b.samples)
	return float64(failures) / n, float64(slow) / n
}

// State returns the current state without advancing open->half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot captures the breaker for the admin API.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	fr, sr := b.rates()
	s := Snapshot{
		Name:        b.name,
		State:       b.state.String(),
		Samples:     b.samples,
		FailureRate: fr,
		SlowRate:    sr,
	}
	if b.state == Open {
		if rem := b.openUntil.Sub(b.now()); rem > 0 {
			s.OpenRemaining = rem.Seconds()
		}
	}
	return s
}

// ForceOpen trips the breaker from the admin API.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip()
}

// ForceClose resets the breaker from the admin API.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
	b.transition(Closed)
}
