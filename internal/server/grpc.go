package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service name reported by the gRPC health service
// alongside the server-wide "" entry.
const HealthServiceName = "formz.v1.Admin"

const defaultHealthCheckInterval = 5 * time.Second

// HealthMonitor keeps the gRPC health status in sync with a readiness probe.
type HealthMonitor struct {
	health   *health.Server
	probe    ReadinessProbe
	interval time.Duration
	logger   *slog.Logger
	serving  bool
}

type HealthOption func(*HealthMonitor)

func WithHealthCheckInterval(interval time.Duration) HealthOption {
	return func(m *HealthMonitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

func WithHealthLogger(logger *slog.Logger) HealthOption {
	return func(m *HealthMonitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewHealthMonitor returns a monitor that starts out NOT_SERVING until the
// first successful probe. A nil probe always reports SERVING.
func NewHealthMonitor(probe ReadinessProbe, opts ...HealthOption) *HealthMonitor {
	m := &HealthMonitor{
		health:   health.NewServer(),
		probe:    probe,
		interval: defaultHealthCheckInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

// Register adds the health service to s.
func (m *HealthMonitor) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, m.health)
}

// Run probes until ctx is done, then marks every service NOT_SERVING.
func (m *HealthMonitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.health.Shutdown()
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs the probe once and updates the reported status.
func (m *HealthMonitor) Check(ctx context.Context) {
	if m.probe == nil {
		m.setServing(true)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, defaultReadinessTimeout)
	defer cancel()

	if err := m.probe(probeCtx); err != nil {
		if m.serving {
			m.logger.WarnContext(ctx, "health probe failed", "error", err)
		}
		m.setServing(false)
		return
	}
	if !m.serving {
		m.logger.InfoContext(ctx, "health probe passing")
	}
	m.setServing(true)
}

func (m *HealthMonitor) setServing(serving bool) {
	m.serving = serving
	if serving {
		m.setStatus(healthpb.HealthCheckResponse_SERVING)
		return
	}
	m.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
}

func (m *HealthMonitor) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	m.health.SetServingStatus("", status)
	m.health.SetServingStatus(HealthServiceName, status)
}
