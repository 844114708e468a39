package api

import (
	"fmt"
	"net"

	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/metrics"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServicePrefix names per-probe gRPC health services, e.g. "ledgerlink.queue"
const ServicePrefix = "ledgerlink."

// Server serves the gRPC health service. The empty service name carries
// overall health; each probe is exposed as ServicePrefix+probe.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewServer creates a gRPC server with the health service registered.
// Everything reports NOT_SERVING until the first report is observed.
func NewServer() *Server {
	s := &Server{
		grpc:   grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor())),
		health: health.NewServer(),
		logger: log.WithComponent("grpc"),
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Start serves on addr until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %v", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	if s.grpc != nil {
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}
}

// ObserveReport publishes a cycle report's probe results. A probe is
// serving unless it reported error; overall health follows the store probe.
func (s *Server) ObserveReport(report *types.CycleReport) {
	RecordComponents(report)

	for name, probe := range report.Probes {
		s.health.SetServingStatus(ServicePrefix+name, servingStatus(probe.Status))
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if store, ok := report.Probes["store"]; !ok || store.Status == types.ProbeError {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
}

func servingStatus(status types.ProbeStatus) healthpb.HealthCheckResponse_ServingStatus {
	if status == types.ProbeError {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// RecordComponents mirrors a report's probes into the component health used
// by /health and /ready
func RecordComponents(report *types.CycleReport) {
	for name, probe := range report.Probes {
		metrics.UpdateComponent(name, probe.Status != types.ProbeError, probe.Message)
	}
}
