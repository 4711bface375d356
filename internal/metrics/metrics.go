// Package metrics provides Prometheus instrumentation for the formz server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only formz metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by the formz server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	CacheEntries        *prometheus.GaugeVec
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheLoadsTotal     *prometheus.CounterVec
	CacheInvalidations  prometheus.Counter
	EvaluationsTotal    *prometheus.CounterVec
	SubmissionsTotal    prometheus.Counter
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       *prometheus.GaugeVec
}

// New creates and registers all formz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formz_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formz_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formz_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		CacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "formz_cache_entries",
			Help: "Number of snapshots held in the in-memory cache.",
		}, []string{"kind"}),

		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formz_cache_hits_total",
			Help: "Total number of snapshot cache hits.",
		}, []string{"kind"}),

		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formz_cache_misses_total",
			Help: "Total number of snapshot cache misses.",
		}, []string{"kind"}),

		CacheLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formz_cache_loads_total",
			Help: "Total number of snapshot loads from the database.",
		}, []string{"kind"}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formz_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formz_rule_evaluations_total",
			Help: "Total number of visibility and invoice evaluations.",
		}, []string{"kind", "matched"}),

		SubmissionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formz_submissions_total",
			Help: "Total number of stored form submissions.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formz_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "formz_active_streams",
			Help: "Number of active streaming connections.",
		}, []string{"transport"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.CacheEntries,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.EvaluationsTotal,
		m.SubmissionsTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.observeGRPC(info.FullMethod, err, start)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// request count, latency, and active stream gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.ActiveStreams.WithLabelValues("grpc").Inc()
		defer m.ActiveStreams.WithLabelValues("grpc").Dec()
		start := time.Now()
		err := handler(srv, ss)
		m.observeGRPC(info.FullMethod, err, start)
		return err
	}
}

func (m *Metrics) observeGRPC(fullMethod string, err error, start time.Time) {
	method := path.Base(fullMethod)
	st, _ := status.FromError(err)
	code := st.Code().String()
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
}

// RecordEvaluation counts one evaluation of the given kind ("visibility" or
// "invoice").
func (m *Metrics) RecordEvaluation(kind string, matched bool) {
	m.EvaluationsTotal.WithLabelValues(kind, strconv.FormatBool(matched)).Inc()
}

func (m *Metrics) IncSubmissions() {
	m.SubmissionsTotal.Inc()
}

// SetCacheEntries updates the cache size gauge for a snapshot kind.
func (m *Metrics) SetCacheEntries(kind string, entries int) {
	m.CacheEntries.WithLabelValues(kind).Set(float64(entries))
}

func (m *Metrics) IncCacheHits(kind string) {
	m.CacheHitsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncCacheMisses(kind string) {
	m.CacheMissesTotal.WithLabelValues(kind).Inc()
}

// IncCacheLoads increments the snapshot load counter.
func (m *Metrics) IncCacheLoads(kind string) {
	m.CacheLoadsTotal.WithLabelValues(kind).Inc()
}

// IncCacheInvalidations increments the cache invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// ObserveHTTP records one HTTP request. route is the matched ServeMux
// pattern, or "unmatched" when no route served the request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// StreamOpened increments the active stream gauge for transport and returns
// the func that decrements it.
func (m *Metrics) StreamOpened(transport string) func() {
	gauge := m.ActiveStreams.WithLabelValues(transport)
	gauge.Inc()
	return gauge.Dec
}
