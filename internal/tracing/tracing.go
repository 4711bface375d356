// Package tracing provides opt-in OpenTelemetry tracing support for the formz
// server. Tracing is enabled when OTEL_EXPORTER_OTLP_ENDPOINT is set or an
// exporter is passed with [WithExporter]; otherwise [Init] returns a no-op
// shutdown function.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultServiceName = "formz"

// Option configures [Init].
type Option func(*options)

type options struct {
	serviceVersion string
	exporter       sdktrace.SpanExporter
}

// WithServiceVersion records the build version on every span's resource.
func WithServiceVersion(version string) Option {
	return func(o *options) {
		o.serviceVersion = strings.TrimSpace(version)
	}
}

// WithExporter replaces the OTLP HTTP exporter.
func WithExporter(exporter sdktrace.SpanExporter) Option {
	return func(o *options) {
		o.exporter = exporter
	}
}

// Init configures the global OpenTelemetry tracer provider. Sampling follows
// the standard OTEL_TRACES_SAMPLER variables read by the SDK.
//
// The returned function should be called on server shutdown to flush pending
// spans.
func Init(ctx context.Context, opts ...Option) (shutdown func(context.Context) error, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	exporter := o.exporter
	if exporter == nil {
		endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		if endpoint == "" {
			return func(context.Context) error { return nil }, nil
		}
		if _, err := url.Parse(endpoint); err != nil {
			return nil, fmt.Errorf("invalid OTLP endpoint: %w", err)
		}
		if exporter, err = otlptracehttp.New(ctx); err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
	}

	res, err := newResource(serviceNameFromEnv(), o.serviceVersion)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func newResource(serviceName, serviceVersion string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if serviceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(serviceVersion))
	}

	// Schemaless so the SDK default resource's schema URL always wins.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

func serviceNameFromEnv() string {
	if name := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); name != "" {
		return name
	}
	return defaultServiceName
}
