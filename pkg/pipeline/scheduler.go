// SPDX-License-Identifier: Apache-2.0
package pipeline

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Scheduler runs detached tasks. Tasks have no caller-visible handle: their
// failures are only logged.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	pending int
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger}
}

// Go runs fn in the background with a context that keeps ctx's values but
// not its cancellation. It returns false when the scheduler is draining.
func (s *Scheduler) Go(ctx context.Context, name string, fn func(ctx context.Context) error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.pending++
	s.wg.Add(1)
	s.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.ErrorContext(detached, "detached task panicked",
					"task", name, "panic", r, "stack", string(debug.Stack()))
			}
			s.mu.Lock()
			s.pending--
			s.mu.Unlock()
			s.wg.Done()
		}()
		if err := fn(detached); err != nil {
			s.logger.ErrorContext(detached, "detached task failed", "task", name, "error", err)
		}
	}()
	return true
}

// Pending returns the number of running tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Drain stops accepting tasks and waits for running ones until ctx is done.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
