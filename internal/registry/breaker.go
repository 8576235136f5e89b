// Package registry implements the service registry and its per-provider
// circuit breakers.
package registry

import (
	"sync"
	"time"

	"github.com/ciris-run/agent-runtime/internal/apierrors"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
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

// BreakerConfig tunes a CircuitBreaker. Zero values fall back to the
// defaults below.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before CLOSED -> OPEN
	SuccessThreshold int           // consecutive half-open successes before -> CLOSED
	RecoveryTimeout  time.Duration // time in OPEN before a lazy probe is allowed
	TimeoutDuration  time.Duration // advisory per-call timeout for callers; not enforced here
	OnStateChange    func(from, to BreakerState)
}

// DefaultBreakerConfig mirrors the original system's defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		TimeoutDuration:  30 * time.Second,
	}
}

// BreakerStats is a snapshot of a breaker's counters, returned by GetStats.
type BreakerStats struct {
	State            BreakerState
	FailureCount     int
	SuccessCount     int
	LastFailureTime  time.Time
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
}

// CircuitBreaker is a pure state object: it never fails its own
// operations and holds no reference to the provider it protects.
type CircuitBreaker struct {
	mu              sync.Mutex
	cfg             BreakerConfig
	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// NewCircuitBreaker constructs a breaker in the CLOSED state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// IsAvailable reports whether a call may proceed. A breaker that has
// never failed returns true with no side effect. An OPEN breaker whose
// recovery timeout has elapsed lazily transitions to HALF_OPEN here.
func (cb *CircuitBreaker) IsAvailable() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.cfg.RecoveryTimeout {
			cb.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// CheckAndRaise returns a CircuitOpen error when the breaker is
// unavailable.
func (cb *CircuitBreaker) CheckAndRaise(provider string) error {
	if !cb.IsAvailable() {
		return apierrors.CircuitOpen(provider)
	}
	return nil
}

// RecordSuccess registers a successful call. In CLOSED state it resets
// the failure counter; in HALF_OPEN it counts toward the success
// threshold required to close.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

// RecordFailure registers a failed call. Calls are serialized by the
// breaker's mutex, so concurrent failures move it to OPEN exactly once;
// a failure recorded while OPEN only refreshes the last-failure time.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen)
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
	}
}

// Reset forces the breaker back to CLOSED with zeroed counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}

// GetStats returns a point-in-time snapshot of the breaker.
func (cb *CircuitBreaker) GetStats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		LastFailureTime:  cb.lastFailureTime,
		FailureThreshold: cb.cfg.FailureThreshold,
		SuccessThreshold: cb.cfg.SuccessThreshold,
		RecoveryTimeout:  cb.cfg.RecoveryTimeout,
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to BreakerState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.failureCount = 0
	cb.successCount = 0
	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(from, to)
	}
}
