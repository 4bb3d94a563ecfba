package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures OpenTelemetry export.
type TraceConfig struct {
	// ServiceName identifies this process in traces
	ServiceName string

	// ServiceVersion identifies the build
	ServiceVersion string

	// Environment specifies the deployment environment (production, staging, dev)
	Environment string

	// Endpoint is the OTLP gRPC collector endpoint (e.g., "localhost:4317").
	// If empty and no exporter is injected, tracing is disabled.
	Endpoint string

	// SamplingRate controls what fraction of sessions are recorded (0.0 to 1.0).
	// Defaults to 1.0 if not specified.
	SamplingRate float64

	// Attributes are additional resource attributes to include in all spans
	Attributes map[string]string

	// EnableInsecure disables TLS for the OTLP connection (dev/testing only)
	EnableInsecure bool
}

// TracerOption customizes NewTracer.
type TracerOption func(*tracerOptions)

type tracerOptions struct {
	exporter sdktrace.SpanExporter
	global   bool
}

// WithSpanExporter replaces the OTLP exporter. Spans are exported
// synchronously as each one ends.
func WithSpanExporter(exporter sdktrace.SpanExporter) TracerOption {
	return func(o *tracerOptions) {
		o.exporter = exporter
	}
}

// WithoutGlobal leaves the global tracer provider and propagator untouched.
func WithoutGlobal() TracerOption {
	return func(o *tracerOptions) {
		o.global = false
	}
}

// NewTracer builds an OpenTelemetry tracer for config. It returns the
// tracer and a shutdown function that flushes pending spans and must be
// called on exit.
//
// When no endpoint is configured the global tracer is returned, which is a
// no-op unless something else installed a provider.
//
// Example:
//
//	tracer, shutdown, err := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "libagent",
//	    Endpoint:    "localhost:4317",
//	})
//	defer shutdown(context.Background())
func NewTracer(config TraceConfig, opts ...TracerOption) (trace.Tracer, func(context.Context) error, error) {
	options := tracerOptions{global: true}
	for _, opt := range opts {
		opt(&options)
	}
	if config.ServiceName == "" {
		config.ServiceName = "libagent"
	}
	noop := func(context.Context) error { return nil }

	var providerOpt sdktrace.TracerProviderOption
	switch {
	case options.exporter != nil:
		providerOpt = sdktrace.WithSyncer(options.exporter)
	case config.Endpoint != "":
		clientOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(config.Endpoint),
		}
		if config.EnableInsecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(clientOpts...))
		if err != nil {
			return otel.Tracer(config.ServiceName), noop, err
		}
		providerOpt = sdktrace.WithBatcher(exporter)
	default:
		return otel.Tracer(config.ServiceName), noop, nil
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
	}
	if config.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(config.ServiceVersion))
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		providerOpt,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(config.SamplingRate)),
	)
	if options.global {
		otel.SetTracerProvider(provider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}
	return provider.Tracer(config.ServiceName), provider.Shutdown, nil
}

// samplerFor maps a sampling rate to a sampler. Zero means unset and
// samples everything.
func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate < 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}
