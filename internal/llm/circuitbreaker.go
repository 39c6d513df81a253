package llm

import (
	"sync"
	"time"
)

// cbState is the circuit breaker's state.
type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

// circuitBreaker is a per-model breaker guarding the model-fallback loop:
// Closed -> Open after failureThreshold consecutive failures, Open ->
// HalfOpen after resetTimeout, HalfOpen -> Closed after halfOpenMax
// consecutive successes (or back to Open on any failure). This is
// additive resilience on top of the spec's retry/fallback contract, not a
// substitute for it — adapted from the teacher's
// internal/proxy/circuitbreaker.go with "provider" generalized to "model".
type circuitBreaker struct {
	mu sync.Mutex

	state            cbState
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int

	consecutiveFailures int
	halfOpenSuccesses   int
	lastFailureTime     time.Time
}

func newCircuitBreaker(failureThreshold int, resetTimeout time.Duration, halfOpenMax int) *circuitBreaker {
	return &circuitBreaker{
		state:            cbClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
	}
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case cbClosed:
		return true
	case cbOpen:
		if time.Since(cb.lastFailureTime) >= cb.resetTimeout {
			cb.state = cbHalfOpen
			cb.halfOpenSuccesses = 0
			return true
		}
		return false
	default: // cbHalfOpen
		return true
	}
}

func (cb *circuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == cbHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.halfOpenMax {
			cb.state = cbClosed
		}
	}
}

// State reports the breaker's current state.
func (cb *circuitBreaker) State() cbState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *circuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case cbClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.state = cbOpen
		}
	case cbHalfOpen:
		cb.state = cbOpen
		cb.halfOpenSuccesses = 0
	}
}

// breakerRegistry lazily creates one breaker per model name.
type breakerRegistry struct {
	mu               sync.Mutex
	breakers         map[string]*circuitBreaker
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int
}

func newBreakerRegistry(failureThreshold int, resetTimeout time.Duration, halfOpenMax int) *breakerRegistry {
	return &breakerRegistry{
		breakers:         make(map[string]*circuitBreaker),
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      halfOpenMax,
	}
}

func (r *breakerRegistry) Get(model string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[model]
	if !ok {
		cb = newCircuitBreaker(r.failureThreshold, r.resetTimeout, r.halfOpenMax)
		r.breakers[model] = cb
	}
	return cb
}
