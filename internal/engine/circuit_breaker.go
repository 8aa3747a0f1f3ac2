package engine

import (
	"sync"
	"time"

	"github.com/rendis/gridflow/pkg/schema"
)

// CircuitState represents the state of a provider's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls flow
	CircuitOpen                         // calls fail fast
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive provider errors that opens the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// Cooldown is how long the circuit stays open before probing again.
	Cooldown time.Duration `mapstructure:"cooldown"`
	// HalfOpenMax is the number of trial calls allowed while half-open.
	HalfOpenMax int `mapstructure:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns the default configuration. The breaker
// is off unless FailureThreshold is set: every row of a run calls its
// provider and stores the provider's own error.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 0,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry keeps one breaker per enrichment provider so a
// failing provider stops costing a network round trip per row.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
// A zero threshold disables the breakers.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil when a call to provider may proceed, or a
// CIRCUIT_OPEN error when the provider is failing fast.
func (r *CircuitBreakerRegistry) AllowRequest(provider string) error {
	if r.config.FailureThreshold <= 0 {
		return nil
	}
	cb := r.getOrCreate(provider)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"provider %q is failing (%d consecutive errors), retry in %s",
			provider, cb.consecutiveFailures, (cb.config.Cooldown - elapsed).Round(time.Second)).
			WithDetails(map[string]any{
				"provider":             provider,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"provider %q is on a trial call, call rejected", provider)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the provider's circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(provider string) {
	cb := r.getOrCreate(provider)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a provider error and returns the resulting state.
func (r *CircuitBreakerRegistry) RecordFailure(provider string) CircuitState {
	cb := r.getOrCreate(provider)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	if cb.state == CircuitHalfOpen ||
		(r.config.FailureThreshold > 0 && cb.consecutiveFailures >= r.config.FailureThreshold) {
		cb.state = CircuitOpen
	}
	return cb.state
}

// Call runs fn behind the provider's breaker and records the outcome.
func (r *CircuitBreakerRegistry) Call(provider string, fn func() (any, error)) (any, error) {
	if err := r.AllowRequest(provider); err != nil {
		return nil, err
	}
	out, err := fn()
	if err != nil {
		r.RecordFailure(provider)
		return nil, err
	}
	r.RecordSuccess(provider)
	return out, nil
}

// GetState returns the current state of a provider's circuit.
func (r *CircuitBreakerRegistry) GetState(provider string) CircuitState {
	cb := r.getOrCreate(provider)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// GetStats returns diagnostic information about a provider's breaker.
func (r *CircuitBreakerRegistry) GetStats(provider string) map[string]any {
	cb := r.getOrCreate(provider)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"provider":             provider,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(provider string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[provider]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed, config: r.config}
		r.breakers[provider] = cb
	}
	return cb
}
