// SPDX-License-Identifier: Apache-2.0

// Package health checks the runner's dependencies and reports the result over
// HTTP and the standard gRPC health protocol.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the health state of a component.
type Status string

const (
	// Healthy means the component is fully operational.
	Healthy Status = "HEALTHY"
	// Degraded means the component works with reduced capacity.
	Degraded Status = "DEGRADED"
	// Unhealthy means the component is not operational.
	Unhealthy Status = "UNHEALTHY"
)

// Result is the outcome of one check.
type Result struct {
	Component string    `json:"component"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"lastCheck"`
}

// Checker checks one component. The context bounds the check.
type Checker interface {
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) Result

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context) Result {
	return f(ctx)
}

// Pinger is anything with a connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports Unhealthy when p.Ping fails.
func PingChecker(p Pinger) Checker {
	return CheckerFunc(func(ctx context.Context) Result {
		if err := p.Ping(ctx); err != nil {
			return Result{Status: Unhealthy, Message: err.Error()}
		}
		return Result{Status: Healthy}
	})
}

// Registry runs registered checkers and caches their results for a short
// time so probes do not hammer dependencies.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	cache    map[string]Result
	cacheTTL time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewRegistry creates a registry. A zero cacheTTL disables caching.
func NewRegistry(cacheTTL time.Duration) *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		cache:    make(map[string]Result),
		cacheTTL: cacheTTL,
		timeout:  5 * time.Second,
		now:      time.Now,
	}
}

// Register adds a checker under name, replacing any previous one.
func (r *Registry) Register(name string, c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = c
	delete(r.cache, name)
}

// CheckAll runs every checker and returns the results sorted by component
// together with the overall status: Unhealthy if any is, else Degraded if
// any is, else Healthy.
func (r *Registry) CheckAll(ctx context.Context) ([]Result, Status) {
	r.mu.RLock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)

	overall := Healthy
	results := make([]Result, 0, len(names))
	for _, name := range names {
		res := r.check(ctx, name)
		results = append(results, res)
		switch res.Status {
		case Unhealthy:
			overall = Unhealthy
		case Degraded:
			if overall == Healthy {
				overall = Degraded
			}
		}
	}
	return results, overall
}

func (r *Registry) check(ctx context.Context, name string) Result {
	now := r.now()
	r.mu.RLock()
	checker := r.checkers[name]
	cached, ok := r.cache[name]
	r.mu.RUnlock()
	if ok && r.cacheTTL > 0 && now.Sub(cached.LastCheck) < r.cacheTTL {
		return cached
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res := checker.Check(ctx)
	res.Component = name
	if res.Status == "" {
		res.Status = Unhealthy
	}
	res.LastCheck = now

	r.mu.Lock()
	r.cache[name] = res
	r.mu.Unlock()
	return res
}
