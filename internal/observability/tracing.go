package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig holds configuration for distributed tracing
type TracingConfig struct {
	// Enabled determines if tracing is enabled
	Enabled bool
	// ServiceName is the name of the service for tracing
	ServiceName string
	// ServiceVersion is the version of the service
	ServiceVersion string
	// Environment is the deployment environment (dev, ci, prod)
	Environment string
	// OTLPEndpoint is the OpenTelemetry collector endpoint (e.g., "localhost:4318")
	OTLPEndpoint string
	// SampleRate is the sampling rate (0.0 to 1.0, where 1.0 = 100%)
	SampleRate float64
	// Insecure disables TLS for the OTLP exporter
	Insecure bool
}

// DefaultTracingConfig returns a default tracing configuration
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:        false,
		ServiceName:    "app-packager",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4318",
		SampleRate:     1.0,
		Insecure:       true,
	}
}

// Tracer wraps an OpenTelemetry tracer. It is passed explicitly to the
// components that create spans; nothing is installed globally.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a new tracer with the given configuration
func NewTracer(ctx context.Context, config TracingConfig) (*Tracer, error) {
	if !config.Enabled {
		return NewNoopTracer(), nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.OTLPEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	client := otlptracehttp.NewClient(opts...)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	// resource.New instead of resource.Merge avoids schema URL conflicts
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
		resource.WithHost(),
		resource.WithOS(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(config.SampleRate)),
	)

	return NewTracerFromProvider(provider, config), nil
}

// NewTracerFromProvider wraps an existing SDK provider. Shutdown shuts the
// provider down.
func NewTracerFromProvider(provider *sdktrace.TracerProvider, config TracingConfig) *Tracer {
	name := config.ServiceName
	if name == "" {
		name = DefaultTracingConfig().ServiceName
	}
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(name),
		config:   config,
	}
}

// NewNoopTracer returns a tracer that records nothing
func NewNoopTracer() *Tracer {
	config := DefaultTracingConfig()
	return &Tracer{
		tracer: noop.NewTracerProvider().Tracer(config.ServiceName),
		config: config,
	}
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes pending spans and shuts down the provider
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// StartSpan starts a new span with the given name. A nil tracer starts a
// no-op span.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name, opts...)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// SpanFromContext returns the current span from the context
func (t *Tracer) SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span
func (t *Tracer) AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span
func (t *Tracer) SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}

// RecordError records err on the current span and marks it failed
func (t *Tracer) RecordError(ctx context.Context, err error, opts ...trace.EventOption) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err, opts...)
	span.SetStatus(codes.Error, err.Error())
}

// IsEnabled returns whether tracing is enabled
func (t *Tracer) IsEnabled() bool {
	return t != nil && t.config.Enabled
}

// Common attribute keys for app-packager
var (
	// Workload attributes
	AttrWorkloadName     = attribute.Key("workload.name")
	AttrWorkloadLanguage = attribute.Key("workload.language")
	AttrWorkloadKind     = attribute.Key("workload.kind")

	// Packaging attributes
	AttrDigest  = attribute.Key("packaging.digest")
	AttrOutcome = attribute.Key("packaging.outcome")
	AttrPhase   = attribute.Key("packaging.phase")
	AttrRunID   = attribute.Key("packaging.run_id")

	// Artifact attributes
	AttrArtifactPath = attribute.Key("artifact.path")
	AttrArtifactSize = attribute.Key("artifact.size")
	AttrImageRef     = attribute.Key("artifact.image")
)

// WorkloadSpanAttributes returns common attributes for workload spans
func WorkloadSpanAttributes(name, language, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrWorkloadName.String(name),
		AttrWorkloadLanguage.String(language),
		AttrWorkloadKind.String(kind),
	}
}

// OutcomeSpanAttributes returns the attributes recorded once the cache
// decision is known
func OutcomeSpanAttributes(digest, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDigest.String(digest),
		AttrOutcome.String(outcome),
	}
}

// ArtifactSpanAttributes returns attributes describing a finalized artifact
func ArtifactSpanAttributes(path, image string, size int64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrArtifactSize.Int64(size)}
	if path != "" {
		attrs = append(attrs, AttrArtifactPath.String(path))
	}
	if image != "" {
		attrs = append(attrs, AttrImageRef.String(image))
	}
	return attrs
}
