// Package grpc hosts the relay's gRPC health surface.
package grpc

import (
	"errors"
	"fmt"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer serves the standard gRPC health protocol for a fixed set of
// service names. The empty service name always tracks the overall status.
type HealthServer struct {
	grpcServer   *gogrpc.Server
	healthServer *health.Server
	services     []string
}

// NewHealthServer builds a health-only gRPC server. Every service starts as
// NOT_SERVING until SetServing is called.
func NewHealthServer(services ...string) *HealthServer {
	grpcServer := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	names := append([]string{""}, services...)
	for _, name := range names {
		healthServer.SetServingStatus(name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	return &HealthServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		services:     names,
	}
}

// SetServing flips every registered service between SERVING and NOT_SERVING.
func (s *HealthServer) SetServing(serving bool) {
	if s == nil {
		return
	}
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	for _, name := range s.services {
		s.healthServer.SetServingStatus(name, status)
	}
}

// Serve accepts connections on listener until Stop is called.
func (s *HealthServer) Serve(listener net.Listener) error {
	if s == nil {
		return errors.New("health server is nil")
	}
	if listener == nil {
		return errors.New("listener is required")
	}
	if err := s.grpcServer.Serve(listener); err != nil && !errors.Is(err, gogrpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

// Stop marks every service as shutting down and stops the gRPC server.
func (s *HealthServer) Stop() {
	if s == nil {
		return
	}
	s.healthServer.Shutdown()
	s.grpcServer.GracefulStop()
}
