// Package resilience provides retry and circuit breaker primitives used by
// the bridge (transport delivery) and the executor (worker dispatch).
package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/barrhawk/labcore/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry executes a function with exponential backoff. The context is
// honored both between attempts and before each attempt.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		// Jitter prevents synchronized retries across clients.
		if config.JitterEnabled {
			jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
			delay += jitter
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w",
		config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}

// RetryIf behaves like Retry but stops early when classify returns false
// for the last error, returning it unwrapped. Used by the bridge to avoid
// retrying validation failures at the transport layer.
func RetryIf(ctx context.Context, config *RetryConfig, classify func(error) bool, fn func() error) error {
	var stopped error
	err := Retry(ctx, config, func() error {
		if err := fn(); err != nil {
			if !classify(err) {
				stopped = err
				return nil // stop retrying, surface below
			}
			return err
		}
		return nil
	})
	if stopped != nil {
		return stopped
	}
	return err
}
