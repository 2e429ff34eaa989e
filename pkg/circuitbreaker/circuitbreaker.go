// Package circuitbreaker stops calls to a failing dependency until it
// has had time to recover.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	// StateClosed passes all calls through.
	StateClosed State = iota
	// StateOpen rejects calls until the open timeout elapses.
	StateOpen
	// StateHalfOpen lets a bounded number of probe calls through.
	StateHalfOpen
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

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MaxRequestsHalfOpen bounds probe calls while half-open.
	MaxRequestsHalfOpen int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}
}

type CircuitBreaker struct {
	config Config

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	halfOpenRequests int
	stateChangedAt   time.Time

	onStateChange func(from, to State)
}

func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config:         config,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}
}

// OnStateChange installs a transition callback. It runs on its own
// goroutine so the caller cannot deadlock the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker is rejecting calls, and feeds the
// outcome back into the state machine.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrOpen
	}

	if err := fn(); err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.stateChangedAt) < cb.config.Timeout {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenRequests = 1
		return true
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxRequestsHalfOpen {
			return false
		}
		cb.halfOpenRequests++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.successes = 0

	switch {
	case cb.state == StateClosed && cb.failures >= cb.config.FailureThreshold:
		cb.transition(StateOpen)
	case cb.state == StateHalfOpen:
		// One failed probe re-opens the breaker.
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.successes++

	if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessThreshold {
		cb.transition(StateClosed)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.stateChangedAt = time.Now()
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0

	if cb.onStateChange != nil {
		go cb.onStateChange(from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}
