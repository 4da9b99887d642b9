// SPDX-License-Identifier: Apache-2.0
package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func constant(s Status) Checker {
	return CheckerFunc(func(context.Context) Result { return Result{Status: s, Message: string(s)} })
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestCheckAllOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"all healthy", []Status{Healthy, Healthy}, Healthy},
		{"one degraded", []Status{Healthy, Degraded}, Degraded},
		{"unhealthy wins", []Status{Degraded, Unhealthy, Healthy}, Unhealthy},
		{"empty", nil, Healthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(0)
			for i, s := range tt.statuses {
				r.Register(string(rune('a'+i)), constant(s))
			}
			results, overall := r.CheckAll(context.Background())
			if overall != tt.want {
				t.Errorf("expected %v, got %v", tt.want, overall)
			}
			if len(results) != len(tt.statuses) {
				t.Fatalf("expected %d results, got %d", len(tt.statuses), len(results))
			}
			for i := 1; i < len(results); i++ {
				if results[i-1].Component > results[i].Component {
					t.Fatalf("results not sorted: %+v", results)
				}
			}
		})
	}
}

func TestPingChecker(t *testing.T) {
	if res := PingChecker(pinger{}).Check(context.Background()); res.Status != Healthy {
		t.Fatalf("expected healthy, got %+v", res)
	}
	res := PingChecker(pinger{err: errors.New("connection refused")}).Check(context.Background())
	if res.Status != Unhealthy || res.Message != "connection refused" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRegistryCachesResults(t *testing.T) {
	calls := 0
	now := time.Unix(1700000000, 0)
	r := NewRegistry(10 * time.Second)
	r.now = func() time.Time { return now }
	r.Register("store", CheckerFunc(func(context.Context) Result {
		calls++
		return Result{Status: Healthy}
	}))

	r.CheckAll(context.Background())
	r.CheckAll(context.Background())
	if calls != 1 {
		t.Fatalf("expected cached result, got %d calls", calls)
	}
	now = now.Add(11 * time.Second)
	results, _ := r.CheckAll(context.Background())
	if calls != 2 {
		t.Fatalf("expected refresh after ttl, got %d calls", calls)
	}
	if !results[0].LastCheck.Equal(now) || results[0].Component != "store" {
		t.Fatalf("unexpected result %+v", results[0])
	}
}

func TestGRPCServerRefresh(t *testing.T) {
	healthy := true
	r := NewRegistry(0)
	r.Register("store", CheckerFunc(func(context.Context) Result {
		if healthy {
			return Result{Status: Healthy}
		}
		return Result{Status: Unhealthy}
	}))
	s := grpc.NewServer()
	defer s.Stop()
	g := NewGRPCServer(s, r, time.Minute)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := g.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("check %q: %v", service, err)
		}
		return resp.GetStatus()
	}

	g.Refresh(context.Background())
	if check("") != healthpb.HealthCheckResponse_SERVING || check("store") != healthpb.HealthCheckResponse_SERVING {
		t.Fatal("expected serving")
	}
	healthy = false
	g.Refresh(context.Background())
	if check("") != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatal("expected not serving")
	}
}
