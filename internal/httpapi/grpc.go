package httpapi

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"keygate.org/internal/obs"
)

const grpcServiceName = "keygate.v1.Auth"

// GRPCHealthServer exposes the standard gRPC health protocol, tracking the
// same readiness probe as /readyz.
type GRPCHealthServer struct {
	server *grpc.Server
	health *health.Server
	probe  readinessChecker
}

// NewGRPCHealthServer registers the health service on a fresh gRPC server.
func NewGRPCHealthServer(probe readinessChecker) *GRPCHealthServer {
	s := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(s, h)
	return &GRPCHealthServer{server: s, health: h, probe: probe}
}

// Serve runs the server on lis and keeps the health status in sync with the
// readiness probe until ctx is done.
func (g *GRPCHealthServer) Serve(ctx context.Context, lis net.Listener) error {
	go g.watch(ctx)
	go func() {
		<-ctx.Done()
		g.server.GracefulStop()
	}()
	return g.server.Serve(lis)
}

func (g *GRPCHealthServer) watch(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	g.update(ctx)
	for {
		select {
		case <-ctx.Done():
			g.health.Shutdown()
			return
		case <-ticker.C:
			g.update(ctx)
		}
	}
}

func (g *GRPCHealthServer) update(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	if err := g.probe.Check(checkCtx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		obs.SetReady(false)
	} else {
		obs.SetReady(true)
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(grpcServiceName, status)
}
