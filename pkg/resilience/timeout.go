// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/jllopis/kairos-runner/pkg/errors"
)

const (
	// DefaultQueryTimeout bounds a single storage operation.
	DefaultQueryTimeout = 15 * time.Second

	// DefaultAgentTimeout bounds a whole agent run.
	DefaultAgentTimeout = 300 * time.Second
)

// TimeoutConfig controls timeout behavior.
type TimeoutConfig struct {
	// Duration is the maximum time the caller waits. Zero disables the guard.
	Duration time.Duration

	// OnTimeout builds the error returned when Duration elapses.
	// If nil, a generic CodeTimeout error is produced.
	OnTimeout func(time.Duration) error
}

// QueryTimeout is the guard used around storage queries.
func QueryTimeout(d time.Duration) TimeoutConfig {
	return TimeoutConfig{Duration: d, OnTimeout: QueryTimeoutError}
}

// AgentTimeout is the guard used around agent runs.
func AgentTimeout(d time.Duration) TimeoutConfig {
	return TimeoutConfig{Duration: d, OnTimeout: AgentTimeoutError}
}

// QueryTimeoutError is the transient error for an expired storage query.
func QueryTimeoutError(d time.Duration) error {
	return errors.New(errors.CodeStorageTimeout,
		fmt.Sprintf("query timeout after %dms", d.Milliseconds()), nil).
		WithContext("timeout", d.String())
}

// AgentTimeoutError is the fatal error for an expired agent run.
func AgentTimeoutError(d time.Duration) error {
	return errors.New(errors.CodeAgentTimeout, "agent execution timeout", nil).
		WithContext("timeout", d.String())
}

// WithTimeout races fn against config.Duration. See WithTimeoutResult.
func WithTimeout(ctx context.Context, config TimeoutConfig, fn func() error) error {
	_, err := WithTimeoutResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// WithTimeoutResult races fn against a timer. The timer does not cancel fn:
// on expiry the caller stops waiting and fn keeps running in its goroutine
// with its result discarded. Side effects of fn may still happen after the
// timeout error was returned. Cancellation of ctx also releases the caller.
func WithTimeoutResult[T any](ctx context.Context, config TimeoutConfig, fn func() (T, error)) (T, error) {
	if config.Duration <= 0 {
		return fn()
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	timer := time.NewTimer(config.Duration)
	defer timer.Stop()

	var zero T
	select {
	case res := <-done:
		return res.value, res.err
	case <-timer.C:
		if config.OnTimeout != nil {
			return zero, config.OnTimeout(config.Duration)
		}
		return zero, errors.New(errors.CodeTimeout,
			fmt.Sprintf("operation timeout after %dms", config.Duration.Milliseconds()), nil).
			WithContext("timeout", config.Duration.String())
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
