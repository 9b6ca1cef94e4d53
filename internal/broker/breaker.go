package broker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tradeforge-ops/broker-gateway-go/pkg/errors"
)

// CircuitState represents circuit breaker state
type CircuitState int

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
		return "half_open"
	}
	return "unknown"
}

// CircuitBreakerStats is a snapshot of breaker counters.
type CircuitBreakerStats struct {
	State           string    `json:"state"`
	Failures        int64     `json:"failures"`
	Successes       int64     `json:"successes"`
	Trips           int64     `json:"trips"`
	Rejected        int64     `json:"rejected"`
	LastFailureTime time.Time `json:"last_failure_time"`
	SuccessRate     float64   `json:"success_rate"`
}

// CircuitBreaker guards connection attempts against a repeatedly failing
// endpoint. After failureThreshold consecutive failures it opens and rejects
// attempts until resetTimeout elapses, then allows a single half-open probe.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int64
	successes        int64
	trips            int64
	rejected         int64
	lastFailureTime  time.Time
	failureThreshold int
	resetTimeout     time.Duration
	logger           *logrus.Logger
}

// NewCircuitBreaker creates a breaker with the given threshold and reset timeout.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, logger *logrus.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		logger:           logger,
	}
}

// Call runs fn if the breaker admits the attempt and records the outcome.
// Rejected attempts return errors.ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.Allow() {
		return errors.ErrCircuitOpen
	}

	err := fn()
	cb.Record(err == nil)
	return err
}

// Allow reports whether an attempt may proceed, transitioning Open to
// HalfOpen once the reset timeout has elapsed. The state check and any
// transition happen under one lock so concurrent callers observe a
// consistent state.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.resetTimeout {
			cb.state = StateHalfOpen
			if cb.logger != nil {
				cb.logger.WithFields(logrus.Fields{
					"component": "circuit_breaker",
					"state":     cb.state.String(),
				}).Info("Circuit breaker entering half-open state")
			}
			return true
		}
		cb.rejected++
		return false
	case StateHalfOpen:
		// One probe at a time, further callers wait for its outcome
		cb.rejected++
		return false
	}
	return false
}

// Record feeds an attempt outcome back into the breaker.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if success {
		cb.successes++
		cb.failures = 0
		if cb.state != StateClosed {
			cb.state = StateClosed
			if cb.logger != nil {
				cb.logger.WithField("component", "circuit_breaker").Info("Circuit breaker closed")
			}
		}
		return
	}

	cb.failures++
	cb.lastFailureTime = time.Now()

	if cb.state == StateHalfOpen || cb.failures >= int64(cb.failureThreshold) {
		if cb.state != StateOpen {
			cb.trips++
			if cb.logger != nil {
				cb.logger.WithFields(logrus.Fields{
					"component": "circuit_breaker",
					"failures":  cb.failures,
				}).Warn("Circuit breaker opened")
			}
		}
		cb.state = StateOpen
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset returns the breaker to closed with counters intact.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
}

// GetStats returns a snapshot of breaker counters.
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := CircuitBreakerStats{
		State:           cb.state.String(),
		Failures:        cb.failures,
		Successes:       cb.successes,
		Trips:           cb.trips,
		Rejected:        cb.rejected,
		LastFailureTime: cb.lastFailureTime,
	}
	total := cb.successes + cb.failures
	if total > 0 {
		stats.SuccessRate = float64(cb.successes) / float64(total)
	}
	return stats
}
