// Package breaker implements the per-tool circuit breaker registry: a map
// from tool name to Closed/Open/Half-Open state, lazily created on first
// observation of a tool name and living as long as the process.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// ErrOpen is returned by Check when the breaker is open and fails fast.
var ErrOpen = errors.New("circuit breaker open")

// Config configures a circuit breaker. Configuration is global to the
// registry, per spec.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Breaker is a single tool's circuit breaker.
type Breaker struct {
	mu              sync.Mutex
	config          Config
	state           symbiont.CircuitState
	consecutiveFail int
	lastStateChange time.Time
	halfOpenInUse   int
}

func newBreaker(cfg Config) *Breaker {
	return &Breaker{
		config:          cfg,
		state:           symbiont.CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// Check returns nil if a call may proceed, or ErrOpen if it must fail fast.
// It does not mutate failure counters, but it does perform the Open ->
// Half-Open transition when the recovery timeout has elapsed, and it bounds
// the number of concurrently admitted half-open probes.
func (b *Breaker) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case symbiont.CircuitClosed:
		return nil
	case symbiont.CircuitOpen:
		if time.Since(b.lastStateChange) >= b.config.RecoveryTimeout {
			b.transitionLocked(symbiont.CircuitHalfOpen)
		} else {
			return ErrOpen
		}
		fallthrough
	case symbiont.CircuitHalfOpen:
		max := b.config.HalfOpenMaxCalls
		if max <= 0 {
			max = 1
		}
		if b.halfOpenInUse >= max {
			return ErrOpen
		}
		b.halfOpenInUse++
		return nil
	default:
		return nil
	}
}

// RecordSuccess resets the failure count and, in Half-Open, closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFail = 0
	if b.state == symbiont.CircuitHalfOpen {
		b.halfOpenInUse = 0
		b.transitionLocked(symbiont.CircuitClosed)
	}
}

// RecordFailure increments the consecutive-failure counter and, on reaching
// the failure threshold (or immediately in Half-Open), opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFail++
	switch b.state {
	case symbiont.CircuitClosed:
		if b.consecutiveFail >= b.config.FailureThreshold {
			b.transitionLocked(symbiont.CircuitOpen)
		}
	case symbiont.CircuitHalfOpen:
		b.halfOpenInUse = 0
		b.transitionLocked(symbiont.CircuitOpen)
	}
}

func (b *Breaker) transitionLocked(to symbiont.CircuitState) {
	b.state = to
	b.lastStateChange = time.Now()
	if to == symbiont.CircuitClosed {
		b.consecutiveFail = 0
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() symbiont.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry maintains one Breaker per tool name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a registry sharing the given config across every
// lazily-created breaker.
func NewRegistry(config Config) *Registry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = DefaultConfig().HalfOpenMaxCalls
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

// Get returns (creating if necessary) the breaker for a tool name.
func (r *Registry) Get(toolName string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[toolName]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[toolName]; ok {
		return b
	}
	b = newBreaker(r.config)
	r.breakers[toolName] = b
	return b
}

// Check is a convenience that gets the breaker and checks it.
func (r *Registry) Check(toolName string) error {
	return r.Get(toolName).Check()
}

// RecordSuccess is a convenience wrapper over Get(name).RecordSuccess().
func (r *Registry) RecordSuccess(toolName string) {
	r.Get(toolName).RecordSuccess()
}

// RecordFailure is a convenience wrapper over Get(name).RecordFailure().
func (r *Registry) RecordFailure(toolName string) {
	r.Get(toolName).RecordFailure()
}

// States snapshots every known breaker's current state, keyed by tool name.
func (r *Registry) States() map[string]symbiont.CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]symbiont.CircuitState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
