package sqlite

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

func (s BreakerState) String() string {
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

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting requests.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips after threshold consecutive infrastructure failures and
// rejects calls until resetTimeout has passed, then lets one probe through.
// Errors the tripFilter does not accept (validation, not-found and other domain
// outcomes) pass through without counting.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	nowFunc      func() time.Time
	tripFilter   func(error) bool
	onChange     func(from, to BreakerState)
}

func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		nowFunc:      time.Now,
		tripFilter:   func(err error) bool { return err != nil },
	}
}

// CountOnly restricts which errors count toward tripping the breaker.
func (cb *CircuitBreaker) CountOnly(filter func(error) bool) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tripFilter = func(err error) bool { return err != nil && filter(err) }
	return cb
}

// OnStateChange registers fn to be called (outside the lock) on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
	return cb
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen if the
// breaker is open and the reset timeout hasn't elapsed.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		err := fn()
		cb.mu.Lock()
		from := cb.state
		if cb.tripFilter(err) {
			cb.failures++
			if cb.failures >= cb.threshold {
				cb.state = StateOpen
				cb.lastFailure = cb.nowFunc()
			}
		} else {
			cb.failures = 0
		}
		cb.unlockAndNotify(from)
		return err

	case StateOpen:
		if cb.nowFunc().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		// Only this caller probes; concurrent callers see half-open and are rejected.
		cb.state = StateHalfOpen
		cb.mu.Unlock()
		cb.notify(StateOpen, StateHalfOpen)

		err := fn()
		cb.mu.Lock()
		if cb.tripFilter(err) {
			cb.state = StateOpen
			cb.lastFailure = cb.nowFunc()
		} else {
			cb.state = StateClosed
			cb.failures = 0
		}
		cb.unlockAndNotify(StateHalfOpen)
		return err

	default:
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) unlockAndNotify(from BreakerState) {
	to := cb.state
	cb.mu.Unlock()
	if from != to {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	cb.mu.Lock()
	fn := cb.onChange
	cb.mu.Unlock()
	if fn != nil {
		fn(from, to)
	}
}
