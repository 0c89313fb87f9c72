package resolver

import (
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrCircuitOpen is returned when circuit is open (upstream unhealthy)
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrNoHealthyUpstreams is returned when all upstreams are unhealthy
	ErrNoHealthyUpstreams = errors.New("no healthy upstream servers available")
)

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreaker implements the circuit breaker pattern for a single upstream.
type CircuitBreaker struct {
	state           atomic.Int32
	failures        atomic.Int64
	successes       atomic.Int64
	lastStateChange atomic.Int64
	halfOpenReqs    atomic.Int32

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenMax      int32
}

func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	cb := &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		halfOpenMax:      3,
	}
	cb.state.Store(int32(StateClosed))
	cb.lastStateChange.Store(time.Now().UnixNano())
	return cb
}

// Call executes fn if the circuit allows it, tracking the outcome.
func (cb *CircuitBreaker) Call(fn func() error) error {
	state := CircuitState(cb.state.Load())

	switch state {
	case StateOpen:
		if time.Since(time.Unix(0, cb.lastStateChange.Load())) > cb.timeout {
			if cb.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
				cb.lastStateChange.Store(time.Now().UnixNano())
				cb.successes.Store(0)
				cb.failures.Store(0)
				cb.halfOpenReqs.Store(0)
			}
		} else {
			return ErrCircuitOpen
		}

	case StateHalfOpen:
		current := cb.halfOpenReqs.Add(1)
		defer cb.halfOpenReqs.Add(-1)
		if current > cb.halfOpenMax {
			return ErrCircuitOpen
		}
	}

	err := fn()
	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return err
}

func (cb *CircuitBreaker) onFailure() {
	failures := cb.failures.Add(1)

	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		if failures >= int64(cb.failureThreshold) {
			if cb.state.CompareAndSwap(int32(StateClosed), int32(StateOpen)) {
				cb.lastStateChange.Store(time.Now().UnixNano())
			}
		}
	case StateHalfOpen:
		if cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateOpen)) {
			cb.lastStateChange.Store(time.Now().UnixNano())
			cb.failures.Store(0)
			cb.successes.Store(0)
		}
	}
}

func (cb *CircuitBreaker) onSuccess() {
	successes := cb.successes.Add(1)
	cb.failures.Store(0)

	if CircuitState(cb.state.Load()) == StateHalfOpen && successes >= int64(cb.successThreshold) {
		if cb.state.CompareAndSwap(int32(StateHalfOpen), int32(StateClosed)) {
			cb.lastStateChange.Store(time.Now().UnixNano())
		}
	}
}

func (cb *CircuitBreaker) IsHealthy() bool {
	return CircuitState(cb.state.Load()) != StateOpen
}

func (cb *CircuitBreaker) GetState() CircuitState {
	return CircuitState(cb.state.Load())
}

func (cb *CircuitBreaker) Reset() {
	cb.state.Store(int32(StateClosed))
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.lastStateChange.Store(time.Now().UnixNano())
}
