// Package circuitbreaker guards calls to relays and other flaky backends.
// A breaker trips after consecutive failures, blocks while open, then allows
// a bounded number of half-open probes before closing again.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/ocmt/backend/internal/errdefs"
)

// State of a breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // threshold exceeded, calls blocked
	StateHalfOpen              // probing whether the backend recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned while the breaker blocks calls.
var ErrOpen = errdefs.New(errdefs.KindCircuitOpen, "circuit breaker is open")

// ErrTooManyProbes is returned when the half-open probe budget is spent.
var ErrTooManyProbes = errdefs.New(errdefs.KindCircuitOpen, "circuit breaker half-open probe limit reached")

// Config holds breaker tuning. Zero values select the relay defaults.
type Config struct {
	// Name identifies the breaker in state-change callbacks and stats.
	Name string

	// MaxProbes is how many requests may run in half-open state.
	MaxProbes uint32

	// Interval clears closed-state counts periodically; zero keeps them
	// accumulating so consecutive-failure thresholds span any time range.
	Interval time.Duration

	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration

	// ReadyToTrip decides, from a copy of the counts, whether a failure in
	// closed state opens the breaker.
	ReadyToTrip func(counts Counts) bool

	// OnStateChange observes transitions.
	OnStateChange func(name string, from, to State)

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// DefaultConfig trips after three consecutive failures and allows a single
// probe after a minute, matching relay failover behavior.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:         name,
		MaxProbes:    1,
		ResetTimeout: 60 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	}
}

// Counts tracks request outcomes within the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio is TotalFailures/Requests, zero when idle.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a single circuit breaker. Generations make results from before
// a state change harmless: a late failure cannot re-trip a fresh circuit.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	since      time.Time
}

// New builds a breaker from cfg, filling unset fields with defaults.
func New(cfg *Config) *Breaker {
	def := DefaultConfig("")
	if cfg == nil {
		cfg = def
	}
	c := *cfg
	if c.MaxProbes == 0 {
		c.MaxProbes = def.MaxProbes
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.ReadyToTrip == nil {
		c.ReadyToTrip = def.ReadyToTrip
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: c, now: now, state: StateClosed, since: now()}
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State reports the current state, advancing open→half-open when the reset
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(b.now())
	return state
}

// Counts returns a copy of the current generation's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow reports whether a call may proceed right now without executing one.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(b.now())
	if state == StateOpen {
		return ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return ErrTooManyProbes
	}
	return nil
}

// Do runs fn under the breaker, recording its outcome.
func (b *Breaker) Do(fn func() error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(generation, false)
			panic(r)
		}
	}()
	err = fn()
	b.after(generation, err == nil)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, generation := b.currentState(b.now())
	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return generation, ErrTooManyProbes
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) after(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	state, current := b.currentState(now)
	if generation != current {
		return
	}
	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.since = now
	b.newGeneration(now)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.ResetTimeout)
	default:
		b.expiry = time.Time{}
	}
}

// Stats is a point-in-time view of one breaker.
type Stats struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Counts Counts `json:"counts"`
}

// Manager hands out one breaker per backend name.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      *Config
}

// NewManager builds a manager whose breakers default to cfg.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	return &Manager{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}
	cfg := *m.cfg
	cfg.Name = name
	b = New(&cfg)
	m.breakers[name] = b
	return b
}

// Stats snapshots every breaker.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = Stats{Name: name, State: b.State().String(), Counts: b.Counts()}
	}
	return out
}
