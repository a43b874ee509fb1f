// Package grpcapi exposes the standard gRPC health service, driven by the
// same readiness probe as /readyz.
package grpcapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"corpportal.org/internal/obs"
)

// ServiceName is the health service key reported alongside the overall "".
const ServiceName = "corpportal.auth"

// ReadinessChecker reports whether backing services answer.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// Health keeps the gRPC health status in sync with a readiness probe.
type Health struct {
	server    *health.Server
	readiness ReadinessChecker
	timeout   time.Duration
	logger    *zap.Logger
}

// NewHealth creates the health server. Status starts NOT_SERVING until the
// first Refresh.
func NewHealth(r ReadinessChecker, logger *zap.Logger) *Health {
	if logger == nil {
		logger = obs.Logger()
	}
	h := &Health{
		server:    health.NewServer(),
		readiness: r,
		timeout:   2 * time.Second,
		logger:    logger,
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Refresh runs the readiness probe and publishes the result.
func (h *Health) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var err error
	if h.readiness != nil {
		err = h.readiness.Check(ctx)
	}
	if err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	obs.SetReady(true)
	return true
}

// Shutdown flips every service to NOT_SERVING so clients drain.
func (h *Health) Shutdown() {
	h.server.Shutdown()
}

func (h *Health) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(ServiceName, status)
}
