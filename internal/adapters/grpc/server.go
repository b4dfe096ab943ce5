package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"storefront/internal/observability"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Config describes the gRPC endpoint.
type Config struct {
	Addr string
	// Listener overrides Addr when set.
	Listener net.Listener
	// Services are reported individually by the health service in addition
	// to the overall "" entry.
	Services   []string
	Reflection bool
	Limiter    Limiter
	Metrics    *observability.Metrics
	Log        *slog.Logger
}

// Server hosts the health service. It reports SERVING while Run is active and
// NOT_SERVING once shutdown starts.
type Server struct {
	cfg    Config
	server *grpc.Server
	health *health.Server
	log    *slog.Logger
}

func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	server := grpc.NewServer(
		grpc.UnaryInterceptor(UnaryInterceptor(cfg.Limiter, cfg.Metrics, log)),
		grpc.StreamInterceptor(StreamInterceptor(cfg.Limiter, cfg.Metrics, log)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	if cfg.Reflection {
		reflection.Register(server)
		log.Info("grpc_reflection_enabled")
	}
	s := &Server{cfg: cfg, server: server, health: hs, log: log}
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *Server) Name() string { return "grpc" }

// Run serves until ctx ends, then drains with GracefulStop.
func (s *Server) Run(ctx context.Context) error {
	lis := s.cfg.Listener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen %s: %w", s.cfg.Addr, err)
		}
	}

	s.setStatus(healthpb.HealthCheckResponse_SERVING)
	s.log.Info("grpc_listen", slog.String("addr", lis.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		s.server.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	for _, svc := range s.cfg.Services {
		s.health.SetServingStatus(svc, status)
	}
}
