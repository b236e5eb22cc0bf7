// Package breaker implements per-provider circuit breakers. A provider that
// fails repeatedly is failed fast for a cool-down window instead of being
// hammered with doomed requests.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the circuit is open. The dispatcher maps
// it to the circuit_breaker_open error class.
var ErrOpen = errors.New("circuit breaker open")

// State of a circuit breaker.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes breaker behavior.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// OpenTimeout is how long an open circuit rejects before admitting a probe.
	OpenTimeout time.Duration
	// SuccessThreshold is the consecutive half-open successes needed to close.
	SuccessThreshold int
	// OnStateChange is notified on transitions.
	OnStateChange func(provider string, from, to State)

	// now is injectable for tests.
	now func() time.Time
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		SuccessThreshold: 2,
	}
}

func (c *Config) fillDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.now == nil {
		c.now = time.Now
	}
}

// Breaker is a single provider's circuit. All fields are guarded by mu.
type Breaker struct {
	provider string
	config   Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openUntil time.Time
}

// New creates a breaker for the named provider.
func New(provider string, config Config) *Breaker {
	config.fillDefaults()
	return &Breaker{
		provider: provider,
		config:   config,
		state:    Closed,
	}
}

// Allow admits or rejects an attempt. An open circuit whose window has
// elapsed transitions to half-open and admits a single probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return nil
	case Open:
		if b.config.now().Before(b.openUntil) {
			return ErrOpen
		}
		b.transition(HalfOpen)
		return nil
	default:
		return ErrOpen
	}
}

// RecordSuccess resets the failure count and, in half-open, counts toward
// closing the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == HalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(Closed)
		}
	}
}

// RecordFailure counts a failure. Reaching the threshold while closed, or
// any failure while half-open, opens the circuit for a full window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0

	switch b.state {
	case Closed:
		if b.failures >= b.config.FailureThreshold {
			b.open()
		}
	case HalfOpen:
		b.open()
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot describes a breaker for the status endpoint.
type Snapshot struct {
	Provider  string    `json:"provider"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	OpenUntil time.Time `json:"open_until,omitzero"`
}

// Stats returns the breaker's observable state.
func (b *Breaker) Stats() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		Provider: b.provider,
		State:    b.state.String(),
		Failures: b.failures,
	}
	if b.state == Open {
		snap.OpenUntil = b.openUntil
	}
	return snap
}

// open transitions to Open and arms the cool-down window. Caller holds mu.
func (b *Breaker) open() {
	b.openUntil = b.config.now().Add(b.config.OpenTimeout)
	b.transition(Open)
}

// transition changes state and notifies. Caller holds mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if to == Closed {
		b.failures = 0
		b.successes = 0
	}
	if to == HalfOpen {
		b.successes = 0
	}
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.provider, from, to)
	}
}

// Registry lazily creates one breaker per provider identifier. Breakers live
// for the process lifetime.
type Registry struct {
	mu       sync.RWMutex
	config   Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry; all breakers share config.
func NewRegistry(config Config) *Registry {
	config.fillDefaults()
	return &Registry{
		config:   config,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a provider, creating it on first use.
func (r *Registry) Get(provider string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b = New(provider, r.config)
	r.breakers[provider] = b
	return b
}

// Stats returns snapshots of every breaker created so far.
func (r *Registry) Stats() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	return out
}
