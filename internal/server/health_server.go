package server

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the ingestor.
const ServiceName = "bugscout.Ingestor"

// Pinger checks a dependency the ingestor cannot serve without.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer exposes grpc.health.v1 for orchestrators and load balancers.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
}

func NewHealthServer() *HealthServer {
	s := &HealthServer{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *HealthServer) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// SetServing marks the ingestor ready or not.
func (s *HealthServer) SetServing(serving bool) {
	if serving {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
		return
	}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
}

// Watch pings dep every interval and flips the status accordingly until
// ctx is done.
func (s *HealthServer) Watch(ctx context.Context, dep Pinger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := dep.Ping(pingCtx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("Health check failed")
			}
			s.SetServing(err == nil)
		}
	}
}

// Serve blocks serving gRPC on lis.
func (s *HealthServer) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Shutdown reports NOT_SERVING, then drains in-flight calls.
func (s *HealthServer) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
