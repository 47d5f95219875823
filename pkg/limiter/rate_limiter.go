package limiter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter manages per-model request rate limiting
type RateLimiter struct {
	limiters   map[string]*rate.Limiter
	defaultRPM float64
	mu         sync.RWMutex
}

// NewRateLimiter creates a new rate limiter. defaultRPM applies to
// models without an explicit limit; zero means a permissive 1000 RPM.
func NewRateLimiter(defaultRPM float64) *RateLimiter {
	if defaultRPM <= 0 {
		defaultRPM = 1000
	}
	return &RateLimiter{
		limiters:   make(map[string]*rate.Limiter),
		defaultRPM: defaultRPM,
	}
}

// GetLimiter returns or creates a rate limiter for a model
func (rl *RateLimiter) GetLimiter(modelID string, maxRPM float64) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, exists := rl.limiters[modelID]; exists {
		return limiter
	}

	rpm := maxRPM
	if rpm <= 0 {
		rpm = rl.defaultRPM
	}

	burst := int(rpm / 10)
	if burst < 1 {
		burst = 1
	}

	// Limiter works per second; burst = 1/10 of the per-minute limit
	limiter := rate.NewLimiter(rate.Limit(rpm/60.0), burst)
	rl.limiters[modelID] = limiter

	return limiter
}

// Wait waits for the rate limiter to allow the request
func (rl *RateLimiter) Wait(ctx context.Context, modelID string, maxRPM float64) error {
	limiter := rl.GetLimiter(modelID, maxRPM)

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	return nil
}

// Allow checks if the request is allowed without waiting
func (rl *RateLimiter) Allow(modelID string, maxRPM float64) bool {
	limiter := rl.GetLimiter(modelID, maxRPM)
	return limiter.Allow()
}

// Reset resets the rate limiter for a model
func (rl *RateLimiter) Reset(modelID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	delete(rl.limiters, modelID)
}

// ResetAll resets all rate limiters
func (rl *RateLimiter) ResetAll() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.limiters = make(map[string]*rate.Limiter)
}
