package httpapi

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"keysafe.org/internal/obs"
)

// GRPCServer exposes the standard gRPC health service, fed by the same
// readiness probe as /readyz. Load balancers that speak gRPC health checking
// can watch it directly.
type GRPCServer struct {
	srv    *grpc.Server
	health *health.Server
	probe  ReadyProbe

	cancel context.CancelFunc
	done   chan struct{}
}

// NewGRPCServer creates the server; Serve starts it.
func NewGRPCServer(probe ReadyProbe) *GRPCServer {
	s := &GRPCServer{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
		probe:  probe,
		done:   make(chan struct{}),
	}
	grpc_health_v1.RegisterHealthServer(s.srv, s.health)
	return s
}

// Serve listens on addr and keeps the health status in sync with the probe
// until Stop is called.
func (s *GRPCServer) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	go s.watch(ctx)

	obs.LogEvent(map[string]any{"level": "info", "msg": "grpc health listening", "addr": addr})
	return s.srv.Serve(lis)
}

// Stop gracefully shuts the server down.
func (s *GRPCServer) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.srv.GracefulStop()
}

func (s *GRPCServer) watch(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	s.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *GRPCServer) refresh(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if err := s.probe.Check(checkCtx); err != nil {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
}
