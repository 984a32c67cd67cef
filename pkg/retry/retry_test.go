package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetry_Success(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false, // Disable for predictable tests
	}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil // Success on third attempt
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false,
	}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("persistent error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_NonRetryable(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		AddJitter:    false,
	}

	attempts := 0
	base := errors.New("bad request")
	err := Do(ctx, cfg, func() error {
		attempts++
		return NonRetryable(base)
	})

	assert.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		AddJitter:    false,
	}

	attempts := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel() // Cancel during retry
	}()

	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5) // Should not complete all attempts
}

func TestRetry_BackoffTiming(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MaxAttempts:  4,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false,
	}

	start := time.Now()
	attempts := 0

	_ = Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	elapsed := time.Since(start)

	// Should have delays: 10ms + 20ms + 40ms = 70ms minimum
	assert.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
	assert.Less(t, elapsed, 150*time.Millisecond)
	assert.Equal(t, 4, attempts)
}

func TestDelay(t *testing.T) {
	cfg := Config{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     80 * time.Millisecond,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 80 * time.Millisecond},
		{4, 80 * time.Millisecond}, // clamped at MaxDelay
		{10, 80 * time.Millisecond},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, Delay(cfg, test.attempt), "attempt %d", test.attempt)
	}
}

func TestRetry_WithResult(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		AddJitter:    false,
	}

	attempts := 0
	result, err := DoWithResult(ctx, cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("not ready")
		}
		return "success", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "success", result)
	assert.Equal(t, 3, attempts)
}

func TestRetry_ZeroAttempts(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		MaxAttempts: 0, // Should still run once
	}

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{InitialDelay: -1}, func() error { return nil })
	assert.Error(t, err)
}
