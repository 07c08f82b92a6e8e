package grpc

import (
	"fmt"
	"log"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"messaging-service/internal/observability"
)

// ServiceName is the health-check service reported for the realtime gateway.
const ServiceName = "messaging.Realtime"

// Server exposes gRPC health checks used by orchestrators and sidecars.
type Server struct {
	server *grpc.Server
	health *health.Server
}

// NewServer builds a gRPC server with tracing and metrics interceptors.
func NewServer() *Server {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{server: srv, health: hs}
}

// SetServing flips the reported health of the realtime gateway.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}

// Serve listens on addr and blocks until Stop is called.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	return s.ServeListener(lis)
}

// ServeListener serves on an existing listener.
func (s *Server) ServeListener(lis net.Listener) error {
	log.Printf("grpc health server listening on %s", lis.Addr())
	return s.server.Serve(lis)
}

// Stop drains in-flight RPCs and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
