package httpclient

import (
	"sync"
	"time"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calls to an upstream after threshold consecutive
// failures and lets a limited number of probes through once cooldown has
// elapsed.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	threshold   int
	cooldown    time.Duration
	probeMax    int
	probes      int
	lastFailure time.Time
	now         func() time.Time
}

// NewCircuitBreaker creates a closed breaker. threshold <= 0 disables it.
func NewCircuitBreaker(threshold int, cooldown time.Duration, probeMax int) *CircuitBreaker {
	if probeMax <= 0 {
		probeMax = 1
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		probeMax:  probeMax,
		now:       time.Now,
	}
}

// Allow reports whether a request may be attempted now.
func (cb *CircuitBreaker) Allow() bool {
	if cb.threshold <= 0 {
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) < cb.cooldown {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.probes = 1
		return true
	case CircuitHalfOpen:
		if cb.probes >= cb.probeMax {
			return false
		}
		cb.probes++
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probes = 0
	cb.mu.Unlock()
}

// RecordFailure counts a failure and opens the breaker once the threshold
// is reached. A failed probe reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == CircuitHalfOpen || (cb.threshold > 0 && cb.failures >= cb.threshold) {
		cb.state = CircuitOpen
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.RecordSuccess()
}
