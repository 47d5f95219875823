package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func retryTransient(err error) bool { return errors.Is(err, errTransient) }

func TestRetryManagerSucceedsAfterRetries(t *testing.T) {
	rm := NewRetryManager(&RetryConfig{
		MaxRetries:    3,
		BaseDelay:     time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
	}, retryTransient)

	attempts := 0
	result, err := rm.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, errTransient
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestRetryManagerStopsOnFinalError(t *testing.T) {
	rm := NewRetryManager(&RetryConfig{
		MaxRetries:    5,
		BaseDelay:     time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
	}, retryTransient)

	final := errors.New("bad request")
	attempts := 0
	_, err := rm.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, final
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, final)
	assert.Equal(t, 1, attempts, "non-retryable errors must not be retried")
}

func TestRetryManagerExhaustsBudget(t *testing.T) {
	rm := NewRetryManager(&RetryConfig{
		MaxRetries:    2,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}, retryTransient)

	attempts := 0
	_, err := rm.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, errTransient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 3, attempts)
}

func TestRetryManagerRespectsContext(t *testing.T) {
	rm := NewRetryManager(&RetryConfig{
		MaxRetries:    10,
		BaseDelay:     50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}, retryTransient)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := rm.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, errTransient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiterReusesPerModel(t *testing.T) {
	rl := NewRateLimiter(600)

	a := rl.GetLimiter("model-a", 0)
	b := rl.GetLimiter("model-b", 120)
	assert.NotSame(t, a, b)
	assert.Same(t, a, rl.GetLimiter("model-a", 0))

	assert.True(t, rl.Allow("model-a", 0))
}

func TestCircuitBreakerOpensOnFailures(t *testing.T) {
	var transitions int
	cbm := NewCircuitBreakerManager(func(name string, from, to gobreaker.State) {
		transitions++
	})

	boom := errors.New("boom")
	for i := 0; i < 6; i++ {
		_, _ = cbm.Execute(context.Background(), "flaky", func() (interface{}, error) {
			return nil, boom
		})
	}

	assert.True(t, cbm.IsOpen("flaky"))
	assert.Positive(t, transitions)

	cbm.Reset("flaky")
	assert.False(t, cbm.IsOpen("flaky"))
}
