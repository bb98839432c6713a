package engine

import (
	"sync"
	"time"

	"github.com/rendis/agentpipe/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
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
	// FailureThreshold is the number of consecutive transient failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// StateChangeFunc observes circuit transitions. It runs outside the breaker lock.
type StateChangeFunc func(key string, from, to CircuitState)

// circuitBreaker tracks failure state for a single key.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry manages per-key circuit breakers. Agent steps key
// breakers by container image, so one failing image does not block others.
type CircuitBreakerRegistry struct {
	mu            sync.Mutex
	breakers      map[string]*circuitBreaker
	config        CircuitBreakerConfig
	onStateChange StateChangeFunc
	now           func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// OnStateChange registers fn to observe transitions.
func (r *CircuitBreakerRegistry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	r.onStateChange = fn
	r.mu.Unlock()
}

func (r *CircuitBreakerRegistry) notify(key string, from, to CircuitState) {
	if from == to {
		return
	}
	r.mu.Lock()
	fn := r.onStateChange
	r.mu.Unlock()
	if fn != nil {
		fn(key, from, to)
	}
}

// AllowRequest checks whether a call for key may proceed.
// Returns nil if allowed, or an ErrCodeCircuitOpen error.
func (r *CircuitBreakerRegistry) AllowRequest(key string) error {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	from := cb.state
	err := r.allow(cb, key)
	to := cb.state
	cb.mu.Unlock()

	r.notify(key, from, to)
	return err
}

func (r *CircuitBreakerRegistry) allow(cb *circuitBreaker, key string) error {
	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for %q after %d consecutive failures", key, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"key":                  key,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %q: max test requests reached", key)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for key.
func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
	cb.mu.Unlock()

	r.notify(key, from, CircuitClosed)
}

// RecordFailure counts a transient failure for key. Any failure while
// half-open reopens the circuit.
func (r *CircuitBreakerRegistry) RecordFailure(key string) {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	to := cb.state
	cb.mu.Unlock()

	r.notify(key, from, to)
}

// RecordRelease returns an admitted request's half-open slot without
// counting it as a success or a failure. Use it when a call ended in a way
// that says nothing about the dependency's health.
func (r *CircuitBreakerRegistry) RecordRelease(key string) {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	if cb.state == CircuitHalfOpen && cb.halfOpenAttempts > 0 {
		cb.halfOpenAttempts--
	}
	cb.mu.Unlock()
}

// GetState returns the current state of the circuit for key.
func (r *CircuitBreakerRegistry) GetState(key string) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// GetStats returns diagnostic information about a circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(key string) map[string]any {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"key":                  key,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(key string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[key] = cb
	}
	return cb
}
