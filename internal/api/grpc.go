package api

import (
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the execution core's gRPC service name for health checks.
const HealthService = "execution.core"

// GRPCServer serves the standard grpc.health.v1 service. Both the overall
// status and HealthService stay NOT_SERVING until MarkServing.
type GRPCServer struct {
	srv    *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

func NewGRPCServer(log zerolog.Logger) *GRPCServer {
	s := &GRPCServer{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
		log:    log,
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// MarkServing flips health to SERVING. Call once recovery has completed.
func (s *GRPCServer) MarkServing() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	s.log.Info().Msg("grpc: health serving")
}

// Serve blocks until the listener fails or Stop is called.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("grpc: listening")
	return s.srv.Serve(lis)
}

// Stop reports NOT_SERVING to watchers, then drains in-flight calls.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
