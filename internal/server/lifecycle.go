// Package server runs the process-level services of the game server: the
// event loop, the websocket acceptor, the admin gRPC endpoint and the store
// probes. It owns graceful startup and shutdown and publishes per-service
// health through the standard gRPC health protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultStopTimeout bounds how long a single service may take to stop.
const DefaultStopTimeout = 10 * time.Second

// Service is a long-running component.
type Service interface {
	// Start runs the service and blocks until it stops or fails.
	Start() error
	// Stop asks a running service to return from Start.
	Stop()
}

// FuncService adapts a start/stop function pair into a Service.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls StartFn.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls StopFn.
func (f *FuncService) Stop() { f.StopFn() }

// Lifecycle starts services in registration order and stops them in reverse.
// Each service is published under its name in the health registry: NOT_SERVING
// until it is launched, SERVING while it runs and NOT_SERVING again once it
// fails or shutdown begins.
type Lifecycle struct {
	logger      *zap.Logger
	health      *health.Server
	stopTimeout time.Duration
	signals     []os.Signal

	mu       sync.Mutex
	services []namedService
}

type namedService struct {
	name    string
	service Service
	done    chan struct{}
}

// NewLifecycle creates an empty Lifecycle.
//
// Precondition: logger must be non-nil.
// Postcondition: The overall ("") health status is NOT_SERVING.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &Lifecycle{
		logger:      logger,
		health:      hs,
		stopTimeout: DefaultStopTimeout,
		signals:     []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Health returns the registry backing the gRPC health service.
func (l *Lifecycle) Health() *health.Server { return l.health }

// SetStopTimeout overrides DefaultStopTimeout.
func (l *Lifecycle) SetStopTimeout(d time.Duration) { l.stopTimeout = d }

// Add registers a named service.
//
// Precondition: name must be non-empty and unique; svc must be non-nil; Run
// has not been called.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc, done: make(chan struct{})})
	l.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Run launches every service and blocks until ctx is cancelled, a termination
// signal arrives, or a service fails.
//
// Postcondition: Every service has been asked to stop. Returns the first
// service failure, or nil for a requested shutdown.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()
	ctx, stop := signal.NotifyContext(ctx, l.signals...)
	defer stop()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	errCh := make(chan error, len(services))
	for _, ns := range services {
		l.health.SetServingStatus(ns.name, healthpb.HealthCheckResponse_SERVING)
		go l.run(ns, errCh)
	}
	l.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	var failure error
	select {
	case failure = <-errCh:
		l.logger.Error("service failed, shutting down", zap.Error(failure))
	case <-ctx.Done():
		l.logger.Info("shutting down", zap.NamedError("cause", context.Cause(ctx)))
	}

	l.shutdown(services)
	l.logger.Info("shutdown complete", zap.Duration("uptime", time.Since(start)))
	return failure
}

func (l *Lifecycle) run(ns namedService, errCh chan<- error) {
	defer close(ns.done)
	began := time.Now()
	l.logger.Info("starting service", zap.String("service", ns.name))
	err := ns.service.Start()
	l.health.SetServingStatus(ns.name, healthpb.HealthCheckResponse_NOT_SERVING)
	if err != nil {
		l.logger.Error("service exited",
			zap.String("service", ns.name),
			zap.Error(err),
			zap.Duration("uptime", time.Since(began)),
		)
		errCh <- fmt.Errorf("service %s: %w", ns.name, err)
		return
	}
	l.logger.Info("service exited", zap.String("service", ns.name), zap.Duration("uptime", time.Since(began)))
}

// ErrStopTimeout is logged when a service outlives its stop budget.
var ErrStopTimeout = errors.New("service did not stop in time")

func (l *Lifecycle) shutdown(services []namedService) {
	began := time.Now()
	l.health.Shutdown()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		ns.service.Stop()
		select {
		case <-ns.done:
			l.logger.Info("service stopped",
				zap.String("service", ns.name),
				zap.Duration("elapsed", time.Since(svcStart)),
			)
		case <-time.After(l.stopTimeout):
			l.logger.Warn("abandoning service",
				zap.String("service", ns.name),
				zap.Error(ErrStopTimeout),
			)
		}
	}
	l.logger.Info("all services stopped", zap.Duration("shutdown_elapsed", time.Since(began)))
}
