package resilience

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitBreakerOpen is returned when a request is rejected because the circuit breaker is open
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	// CircuitBreakerStateClosed represents normal operation, requests are allowed
	CircuitBreakerStateClosed CircuitBreakerState = iota
	// CircuitBreakerStateOpen represents circuit is open, requests are rejected
	CircuitBreakerStateOpen
	// CircuitBreakerStateHalfOpen represents testing if the service is healthy again
	CircuitBreakerStateHalfOpen
)

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerStateClosed:
		return "closed"
	case CircuitBreakerStateOpen:
		return "open"
	case CircuitBreakerStateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig defines the configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// ConsecutiveErrorsThreshold is the number of consecutive errors before opening the circuit
	ConsecutiveErrorsThreshold uint32
	// OpenTimeout is the time to keep the circuit open before transitioning to half-open
	OpenTimeout time.Duration
	// HalfOpenSuccessThreshold is the number of successful calls required to close the circuit
	HalfOpenSuccessThreshold uint32
}

// DefaultCircuitBreakerConfig returns the default circuit breaker configuration
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		ConsecutiveErrorsThreshold: 5,
		OpenTimeout:                30 * time.Second,
		HalfOpenSuccessThreshold:   2,
	}
}

// CircuitBreaker prevents hammering a failing upstream by rejecting calls
// after repeated failures, then probing again after a cool-off period
type CircuitBreaker struct {
	serviceName          string
	config               *CircuitBreakerConfig
	state                CircuitBreakerState
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
	openedAt             time.Time
	mu                   sync.Mutex
	logger               *zap.Logger
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(serviceName string, config *CircuitBreakerConfig) *CircuitBreaker {
	logger, _ := zap.NewProduction()

	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}

	return &CircuitBreaker{
		serviceName: serviceName,
		config:      config,
		state:       CircuitBreakerStateClosed,
		logger:      logger,
	}
}

// AllowRequest reports whether a request may proceed, transitioning from
// open to half-open once the cool-off period has elapsed
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerStateClosed, CircuitBreakerStateHalfOpen:
		return true
	case CircuitBreakerStateOpen:
		if time.Since(cb.openedAt) >= cb.config.OpenTimeout {
			cb.transition(CircuitBreakerStateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0

	if cb.state == CircuitBreakerStateHalfOpen {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.config.HalfOpenSuccessThreshold {
			cb.transition(CircuitBreakerStateClosed)
		}
	}
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveSuccesses = 0
	cb.consecutiveFailures++

	if cb.state == CircuitBreakerStateHalfOpen {
		cb.transition(CircuitBreakerStateOpen)
		return
	}

	if cb.state == CircuitBreakerStateClosed && cb.consecutiveFailures >= cb.config.ConsecutiveErrorsThreshold {
		cb.transition(CircuitBreakerStateOpen)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state
}

// Reset forces the circuit breaker back to the closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.transition(CircuitBreakerStateClosed)
}

// transition changes state; callers must hold the mutex
func (cb *CircuitBreaker) transition(to CircuitBreakerState) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	if to == CircuitBreakerStateOpen {
		cb.openedAt = time.Now()
	}
	if to != CircuitBreakerStateHalfOpen {
		cb.consecutiveSuccesses = 0
	}

	cb.logger.Info("Circuit breaker state transition",
		zap.String("service", cb.serviceName),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}
