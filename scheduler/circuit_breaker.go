package scheduler

import (
	"sync"
	"time"

	"github.com/taskflux/taskflux/observability"
)

// CircuitState mirrors the teacher's closed/half-open/open admission
// states in control_plane/scheduler/circuit_breaker.go, retargeted here at
// claim cycles instead of task submission: backpressure applies to
// claimAvailable itself, not to individual task admission, since this
// scheduler has no external submission API.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker gates claim cycles when the store is reporting sustained
// overload, complementing managedconfig's slower-moving maxWorkers/
// pollInterval adjustment with a hard stop.
type CircuitBreaker struct {
	mu sync.RWMutex

	state CircuitState

	failureThreshold int
	cooldownPeriod   time.Duration
	testLimit        int

	consecutiveFailures int
	openedAt            time.Time
	testCount           int
}

// NewCircuitBreaker builds a breaker that opens after failureThreshold
// consecutive overload signals.
func NewCircuitBreaker(failureThreshold int) *CircuitBreaker {
	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		cooldownPeriod:   30 * time.Second,
		testLimit:        5,
	}
}

// ShouldAdmit reports whether the next claim cycle should proceed.
func (cb *CircuitBreaker) ShouldAdmit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
		observability.SchedulerCircuitState.Set(float64(cb.state))
	}

	if cb.state == CircuitHalfOpen {
		if cb.testCount < cb.testLimit {
			cb.testCount++
			return true
		}
		return false
	}

	return cb.state == CircuitClosed
}

// RecordSuccess clears the consecutive-failure count and closes the
// circuit once enough half-open probes have succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == CircuitHalfOpen && cb.testCount >= cb.testLimit {
		cb.state = CircuitClosed
		observability.SchedulerCircuitState.Set(float64(cb.state))
	}
}

// RecordFailure registers an overload signal from the store.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.testCount = 0
		observability.SchedulerCircuitState.Set(float64(cb.state))
		return
	}

	cb.consecutiveFailures++
	if cb.consecutiveFailures >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		observability.SchedulerCircuitState.Set(float64(cb.state))
	}
}

// State returns the current admission state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
