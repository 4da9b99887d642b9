// SPDX-License-Identifier: Apache-2.0
package health

import (
	"context"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer publishes registry results through grpc.health.v1.
type GRPCServer struct {
	registry *Registry
	server   *grpchealth.Server
	interval time.Duration
}

// NewGRPCServer creates the health service and registers it on s.
func NewGRPCServer(s *grpc.Server, registry *Registry, interval time.Duration) *GRPCServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	g := &GRPCServer{registry: registry, server: grpchealth.NewServer(), interval: interval}
	healthpb.RegisterHealthServer(s, g.server)
	return g
}

// Refresh runs the checks once and updates the serving status of the
// overall service ("") and of each component.
func (g *GRPCServer) Refresh(ctx context.Context) {
	results, overall := g.registry.CheckAll(ctx)
	for _, res := range results {
		g.server.SetServingStatus(res.Component, servingStatus(res.Status))
	}
	g.server.SetServingStatus("", servingStatus(overall))
}

// Run refreshes periodically until ctx is done, then marks everything as
// not serving.
func (g *GRPCServer) Run(ctx context.Context) {
	g.Refresh(ctx)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.server.Shutdown()
			return
		case <-ticker.C:
			g.Refresh(ctx)
		}
	}
}

// Degraded components still serve.
func servingStatus(s Status) healthpb.HealthCheckResponse_ServingStatus {
	if s == Unhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
