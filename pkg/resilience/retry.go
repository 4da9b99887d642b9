// SPDX-License-Identifier: Apache-2.0
// Package resilience provides the retry, timeout and circuit breaker
// primitives the runner wraps around storage and capability calls.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/jllopis/kairos-runner/pkg/errors"
)

// RetryConfig controls retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (must be >= 1).
	MaxAttempts int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay. Zero means uncapped.
	MaxDelay time.Duration

	// Multiplier is applied to the delay after every retry.
	Multiplier float64

	// IsRetryable decides whether an error is worth another attempt.
	// If nil, only transient storage errors are retried.
	IsRetryable func(error) bool

	// Jitter adds randomness to backoff; 0.1 means ±10%.
	Jitter float64

	// OnRetry is called before each retry with the failed attempt number.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the storage retry policy: 3 attempts starting at
// 100ms and doubling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		IsRetryable:  errors.IsTransient,
	}
}

// WithMaxAttempts returns a new config with MaxAttempts set.
func (rc RetryConfig) WithMaxAttempts(n int) RetryConfig {
	rc.MaxAttempts = n
	return rc
}

// WithInitialDelay returns a new config with InitialDelay set.
func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

// WithMultiplier returns a new config with Multiplier set.
func (rc RetryConfig) WithMultiplier(m float64) RetryConfig {
	rc.Multiplier = m
	return rc
}

// WithIsRetryable returns a new config with IsRetryable set.
func (rc RetryConfig) WithIsRetryable(fn func(error) bool) RetryConfig {
	rc.IsRetryable = fn
	return rc
}

// WithOnRetry returns a new config with OnRetry set.
func (rc RetryConfig) WithOnRetry(fn func(attempt int, err error)) RetryConfig {
	rc.OnRetry = fn
	return rc
}

// Do executes fn with retry logic. Non-retryable errors are returned on first
// occurrence; after the last attempt the last error is returned unchanged.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	_, err := Retry(ctx, rc, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Retry is Do for operations that produce a value.
func Retry[T any](ctx context.Context, rc RetryConfig, fn func() (T, error)) (T, error) {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	if rc.IsRetryable == nil {
		rc.IsRetryable = errors.IsTransient
	}

	var (
		zero    T
		lastErr error
	)
	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		if attempt > 1 {
			if rc.OnRetry != nil {
				rc.OnRetry(attempt-1, lastErr)
			}
			timer := time.NewTimer(rc.backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, lastErr
			case <-timer.C:
			}
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !rc.IsRetryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

// backoff returns the wait before retry n (1-based):
// InitialDelay * Multiplier^(n-1), capped and jittered.
func (rc RetryConfig) backoff(n int) time.Duration {
	mult := rc.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := time.Duration(float64(rc.InitialDelay) * math.Pow(mult, float64(n-1)))
	if rc.MaxDelay > 0 && delay > rc.MaxDelay {
		delay = rc.MaxDelay
	}
	if rc.Jitter > 0 {
		spread := float64(delay) * rc.Jitter
		delay = time.Duration(float64(delay) + spread*2*(rand.Float64()-0.5))
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
