package gateway

import (
	"errors"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota // normal operation, requests pass through
	StateOpen                // failure threshold exceeded, requests rejected
	StateHalfOpen            // reset timeout elapsed, probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow while the circuit is open or a half-open
// probe is already in flight.
var ErrOpen = errors.New("gateway: circuit open")

// BreakerConfig tunes a single breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive counting failures before tripping
	ResetTimeout     time.Duration // open duration before allowing a probe
}

// DefaultBreakerConfig is used for ordinary downstream services.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	ResetTimeout:     60 * time.Second,
}

// IdentityBreakerConfig trips faster and recovers sooner, for identity and
// auth services where hammering a struggling dependency hurts everything else.
var IdentityBreakerConfig = BreakerConfig{
	FailureThreshold: 3,
	ResetTimeout:     30 * time.Second,
}

// Breaker is a per-service circuit breaker counting consecutive failures.
// State is process-local; each instance learns independently.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	onStateChange func(service string, from, to State)
	now           func() time.Time
}

// NewBreaker creates a closed breaker. onStateChange may be nil.
func NewBreaker(name string, cfg BreakerConfig, onStateChange func(service string, from, to State)) *Breaker {
	return &Breaker{
		name:          name,
		cfg:           cfg,
		state:         StateClosed,
		onStateChange: onStateChange,
		now:           time.Now,
	}
}

// Allow reports whether a request may proceed. While open, it transitions to
// half-open once the reset timeout has elapsed and admits exactly one probe;
// everything else is rejected with ErrOpen until the probe resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		b.probeInFlight = true
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess resets the failure count; a successful half-open probe closes
// the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probeInFlight = false
	if b.state == StateHalfOpen {
		b.setState(StateClosed)
	}
}

// RecordFailure counts a failure. At the threshold the circuit opens; a
// failed half-open probe re-opens it and restarts the reset timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState must be called with the mutex held.
func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.consecutiveFailures = 0
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// Manager hands out one breaker per service name, lazily created.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	defaults  BreakerConfig
	overrides map[string]BreakerConfig

	onStateChange func(service string, from, to State)
}

// NewManager creates a breaker manager. Services named in overrides get their
// own config; everything else uses defaults.
func NewManager(defaults BreakerConfig, overrides map[string]BreakerConfig, onStateChange func(service string, from, to State)) *Manager {
	return &Manager{
		breakers:      make(map[string]*Breaker),
		defaults:      defaults,
		overrides:     overrides,
		onStateChange: onStateChange,
	}
}

// Get returns the breaker for a service, creating it on first use.
func (m *Manager) Get(service string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[service]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[service]; ok {
		return b
	}

	cfg := m.defaults
	if override, ok := m.overrides[service]; ok {
		cfg = override
	}
	b = NewBreaker(service, cfg, m.onStateChange)
	m.breakers[service] = b
	return b
}

// States snapshots every known breaker's state, for health reporting.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State().String()
	}
	return out
}
