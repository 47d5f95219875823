package limiter

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
	BaseDelay     time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"`
	Jitter        bool          `json:"jitter" yaml:"jitter"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func(ctx context.Context) (interface{}, error)

// RetryManager manages retry logic. The caller supplies the
// classification of which errors are worth another attempt; backoff
// policy lives here.
type RetryManager struct {
	config    *RetryConfig
	retryable func(error) bool
}

// NewRetryManager creates a new retry manager. A nil retryable
// predicate makes every error final.
func NewRetryManager(config *RetryConfig, retryable func(error) bool) *RetryManager {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	return &RetryManager{config: config, retryable: retryable}
}

// Execute executes a function with retry logic
func (rm *RetryManager) Execute(ctx context.Context, fn RetryableFunc) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt <= rm.config.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if attempt == rm.config.MaxRetries {
			break
		}

		// Context errors are never retried
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !rm.retryable(err) {
			return nil, err
		}

		delay := rm.calculateDelay(attempt)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			// Continue to next attempt
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateDelay calculates the delay for the given attempt
func (rm *RetryManager) calculateDelay(attempt int) time.Duration {
	// Exponential backoff: baseDelay * (backoffFactor ^ attempt)
	delay := float64(rm.config.BaseDelay) * math.Pow(rm.config.BackoffFactor, float64(attempt))

	// Cap at max delay
	if delay > float64(rm.config.MaxDelay) {
		delay = float64(rm.config.MaxDelay)
	}

	// Add jitter if enabled
	if rm.config.Jitter {
		// Add ±25% jitter
		jitter := rand.Float64()*0.5 - 0.25 // -0.25 to +0.25
		delay = delay * (1 + jitter)
	}

	return time.Duration(delay)
}
