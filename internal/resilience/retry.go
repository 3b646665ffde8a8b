// Package resilience provides retry and circuit breaker support for the
// base APK download.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExponentialBackoffConfig defines the configuration for exponential backoff
type ExponentialBackoffConfig struct {
	// InitialDelayMs is the initial delay in milliseconds
	InitialDelayMs int64
	// MaxDelayMs is the maximum delay in milliseconds
	MaxDelayMs int64
	// MaxRetries is the maximum number of retries
	MaxRetries uint32
	// Multiplier is the multiplier for each retry
	Multiplier float64
	// Jitter indicates whether to add jitter to the delay
	Jitter bool
}

// DefaultExponentialBackoffConfig returns the default exponential backoff configuration
func DefaultExponentialBackoffConfig() *ExponentialBackoffConfig {
	return &ExponentialBackoffConfig{
		InitialDelayMs: 500,
		MaxDelayMs:     15000,
		MaxRetries:     3,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// RetryMetrics contains metrics for a retry policy
type RetryMetrics struct {
	// TotalAttempts is the total number of attempts, including first tries
	TotalAttempts uint64
	// SuccessfulRetries is the number of operations that succeeded after retrying
	SuccessfulRetries uint64
	// ExhaustedRetries is the number of operations that failed every attempt
	ExhaustedRetries uint64
}

// RetryPolicy implements the retry pattern with exponential backoff
type RetryPolicy struct {
	serviceName string
	config      *ExponentialBackoffConfig
	metrics     RetryMetrics
	mu          sync.Mutex
	logger      *zap.Logger
	rand        *rand.Rand
}

// NewRetryPolicy creates a new retry policy
func NewRetryPolicy(serviceName string, config *ExponentialBackoffConfig) *RetryPolicy {
	logger, _ := zap.NewProduction()

	if config == nil {
		config = DefaultExponentialBackoffConfig()
	}

	return &RetryPolicy{
		serviceName: serviceName,
		config:      config,
		logger:      logger,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GetMetrics returns a snapshot of the current metrics
func (p *RetryPolicy) GetMetrics() RetryMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.metrics
}

// Execute runs a function, retrying with exponential backoff on error.
// Context cancellation cuts the wait short and returns the context error.
func (p *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := uint32(0); attempt <= p.config.MaxRetries; attempt++ {
		p.mu.Lock()
		p.metrics.TotalAttempts++
		p.mu.Unlock()

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 0 {
				p.mu.Lock()
				p.metrics.SuccessfulRetries++
				p.mu.Unlock()

				p.logger.Info("Operation succeeded after retry",
					zap.String("service", p.serviceName),
					zap.Uint32("attempt", attempt))
			}
			return nil
		}

		if attempt == p.config.MaxRetries {
			break
		}

		delay := p.delayFor(attempt)
		p.logger.Warn("Operation failed, retrying",
			zap.String("service", p.serviceName),
			zap.Uint32("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	p.mu.Lock()
	p.metrics.ExhaustedRetries++
	p.mu.Unlock()

	p.logger.Error("Operation failed after all retries",
		zap.String("service", p.serviceName),
		zap.Uint32("max_retries", p.config.MaxRetries),
		zap.Error(lastErr))

	return lastErr
}

// delayFor computes the backoff delay for a given attempt
func (p *RetryPolicy) delayFor(attempt uint32) time.Duration {
	delayMs := float64(p.config.InitialDelayMs) * math.Pow(p.config.Multiplier, float64(attempt))
	if delayMs > float64(p.config.MaxDelayMs) {
		delayMs = float64(p.config.MaxDelayMs)
	}

	if p.config.Jitter {
		p.mu.Lock()
		// Jitter in [0.5, 1.5) keeps concurrent retries from synchronizing.
		delayMs = delayMs * (0.5 + p.rand.Float64())
		p.mu.Unlock()
	}

	return time.Duration(delayMs) * time.Millisecond
}
