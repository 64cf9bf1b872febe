// Package admission provides a circuit breaker for store access.
package admission

import (
	"errors"
	"sync/atomic"
	"time"
)

// CircuitState represents breaker state.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitOptions configures breaker thresholds.
type CircuitOptions struct {
	FailureThreshold int64
	OpenDuration     time.Duration
	HalfOpenMaxCalls int64
}

// CircuitBreaker tracks counter-store failures and controls access. It
// keeps a burst of store timeouts from stalling every admission decision
// on the store's timeout budget: while open, decisions go straight to the
// fallback limiter instead of waiting on a dead store.
type CircuitBreaker struct {
	state            atomic.Int32
	lastFailure      atomic.Int64
	openUntil        atomic.Int64
	failures         atomic.Int64
	halfOpenInFlight atomic.Int64
	opts             CircuitOptions
}

// NewCircuitBreaker constructs a breaker with defaults.
func NewCircuitBreaker(opts CircuitOptions) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 10
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = 200 * time.Millisecond
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 5
	}
	cb := &CircuitBreaker{opts: opts}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

// State reports the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	if cb == nil {
		return CircuitClosed
	}
	return CircuitState(cb.state.Load())
}

// Allow reports whether the store call should proceed. The call that
// moves an expired open breaker to half-open is admitted without
// occupying a probe slot; its result settles the state.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	switch cb.State() {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Now().UnixNano() >= cb.openUntil.Load() {
			cb.state.Store(int32(CircuitHalfOpen))
			cb.halfOpenInFlight.Store(0)
			return true
		}
		return false
	case CircuitHalfOpen:
		inFlight := cb.halfOpenInFlight.Add(1)
		if inFlight <= cb.opts.HalfOpenMaxCalls {
			return true
		}
		cb.halfOpenInFlight.Add(-1)
		return false
	default:
		return true
	}
}

// RecordResult folds one store round trip into the breaker. Caller input
// errors say nothing about store health and leave the breaker untouched;
// everything else counts as a store failure.
func (cb *CircuitBreaker) RecordResult(err error) {
	if cb == nil {
		return
	}
	if err == nil {
		cb.OnSuccess()
		return
	}
	if errors.Is(err, ErrInvalidInput) || CodeOf(err) == CodeInvalidCost {
		return
	}
	cb.OnFailure()
}

// OnSuccess records a successful store call.
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	switch cb.State() {
	case CircuitHalfOpen:
		cb.halfOpenInFlight.Add(-1)
		cb.failures.Store(0)
		cb.state.Store(int32(CircuitClosed))
	case CircuitClosed:
		cb.failures.Store(0)
	}
}

// OnFailure records a store failure and updates state. A half-open
// failure reopens immediately; a closed breaker opens only once the
// failure streak reaches the threshold.
func (cb *CircuitBreaker) OnFailure() {
	if cb == nil {
		return
	}
	now := time.Now()
	cb.lastFailure.Store(now.UnixNano())
	if cb.State() == CircuitHalfOpen {
		cb.halfOpenInFlight.Add(-1)
		cb.failures.Store(cb.opts.FailureThreshold)
		cb.openUntil.Store(now.Add(cb.opts.OpenDuration).UnixNano())
		cb.state.Store(int32(CircuitOpen))
		return
	}
	if cb.failures.Add(1) >= cb.opts.FailureThreshold {
		cb.openUntil.Store(now.Add(cb.opts.OpenDuration).UnixNano())
		cb.state.Store(int32(CircuitOpen))
	}
}
