package escrowd

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"proofpay/native/escrow"
)

// HealthService is the service name reported by the gRPC health server.
const HealthService = "proofpay.escrow"

// NewGRPCServer returns a gRPC server exposing the standard health service.
func NewGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.UnaryInterceptor(otelgrpc.UnaryServerInterceptor()),
		grpc.StreamInterceptor(otelgrpc.StreamServerInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// WatchHealth probes the engine every interval and publishes the result
// until ctx is cancelled. An uninitialized escrow reports NOT_SERVING.
func WatchHealth(ctx context.Context, hs *health.Server, engine *escrow.Engine, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		initialized, err := Probe(ctx, engine)
		if err != nil || !initialized {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if err != nil && ctx.Err() == nil {
			logger.Warn("health probe failed", "error", err)
		}
		hs.SetServingStatus(HealthService, status)
		hs.SetServingStatus("", status)
	}
	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
