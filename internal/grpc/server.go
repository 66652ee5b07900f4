package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/brollyhub/nvr/internal/config"
	"github.com/brollyhub/nvr/internal/recording"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// CameraServicePrefix prefixes the per-camera health service names.
const CameraServicePrefix = "nvr.camera."

// StatusSource reports the state of the recorder fleet.
type StatusSource interface {
	Stats() recording.ManagerStats
}

// Server exposes gRPC health checking and a status service
type Server struct {
	config     *config.GRPCConfig
	grpcServer *grpc.Server
	health     *health.Server
	status     StatusSource
	logger     *zap.Logger
	serviceID  string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Config    *config.GRPCConfig
	Status    StatusSource
	ServiceID string
	Logger    *zap.Logger
}

// NewServer creates a new gRPC server
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.Config.KeepaliveTime,
			Timeout: cfg.Config.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	s := &Server{
		config:     cfg.Config,
		grpcServer: grpc.NewServer(opts...),
		health:     health.NewServer(),
		status:     cfg.Status,
		logger:     logger,
		serviceID:  cfg.ServiceID,
	}

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	RegisterStatusServer(s.grpcServer, s)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return s
}

// Start listens on the configured address and serves until Stop
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address(), err)
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("gRPC server starting",
		zap.String("address", listener.Addr().String()),
		zap.String("service_id", s.serviceID))

	return s.grpcServer.Serve(listener)
}

// Run refreshes health statuses every interval until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	interval := s.config.HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.RefreshHealth()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RefreshHealth maps fleet state onto health statuses: the overall service
// is serving while the manager runs, a camera while its capture is running.
func (s *Server) RefreshHealth() {
	stats := s.status.Stats()

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if stats.Running {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", overall)

	for _, cam := range stats.Cameras {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if cam.CaptureState == recording.CaptureRunning {
			st = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(CameraServicePrefix+cam.Camera, st)
	}
}

// GetStatus implements StatusServer
func (s *Server) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	data, err := json.Marshal(s.status.Stats())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode status: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode status: %v", err)
	}
	fields["service_id"] = s.serviceID

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode status: %v", err)
	}
	return out, nil
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping gRPC server")

	// tell watchers before connections go away
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		s.grpcServer.Stop()
		s.logger.Warn("gRPC server forced to stop")
	}

	return nil
}
