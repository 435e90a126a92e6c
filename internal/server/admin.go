package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// AdminService serves the gRPC health protocol for load balancers and
// orchestrators.
type AdminService struct {
	addr   string
	srv    *grpc.Server
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewAdminService creates an AdminService bound to addr on Start.
//
// Precondition: hs and logger must be non-nil.
func NewAdminService(addr string, hs *health.Server, logger *zap.Logger) *AdminService {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return &AdminService{addr: addr, srv: srv, logger: logger}
}

// Start listens and serves until Stop.
func (a *AdminService) Start() error {
	lis, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.addr, err)
	}
	a.mu.Lock()
	a.listener = lis
	a.mu.Unlock()
	a.logger.Info("admin grpc listening", zap.String("addr", lis.Addr().String()))
	if err := a.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving admin grpc: %w", err)
	}
	return nil
}

// Addr returns the bound address once Start is listening, or "".
func (a *AdminService) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop drains in-flight calls and stops serving.
func (a *AdminService) Stop() { a.srv.GracefulStop() }

// Probe periodically runs a check and publishes its outcome under a health
// service name. It is itself a Service.
type Probe struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	check    func(ctx context.Context) error
	health   *health.Server
	logger   *zap.Logger

	stop chan struct{}
	once sync.Once
}

// NewProbe creates a Probe. Each check runs under a context bounded by timeout.
//
// Precondition: interval and timeout must be > 0; check, hs and logger non-nil.
func NewProbe(name string, interval, timeout time.Duration, check func(ctx context.Context) error, hs *health.Server, logger *zap.Logger) *Probe {
	return &Probe{
		name:     name,
		interval: interval,
		timeout:  timeout,
		check:    check,
		health:   hs,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start checks once immediately, then every interval, until Stop.
func (p *Probe) Start() error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.Check()
	for {
		select {
		case <-p.stop:
			return nil
		case <-ticker.C:
			p.Check()
		}
	}
}

// Check runs the check once and publishes the result.
//
// Postcondition: Returns the check error; the health status matches it.
func (p *Probe) Check() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.check(ctx); err != nil {
		p.logger.Warn("health check failed", zap.String("probe", p.name), zap.Error(err))
		p.health.SetServingStatus(p.name, healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	p.health.SetServingStatus(p.name, healthpb.HealthCheckResponse_SERVING)
	return nil
}

// Stop ends Start. It is idempotent.
func (p *Probe) Stop() { p.once.Do(func() { close(p.stop) }) }
