package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures the coordinator and worker's OpenTelemetry tracer.
type TracingConfig struct {
	// Enabled controls whether tracing is active. A disabled tracer has zero
	// overhead: it returns the otel no-op implementation.
	Enabled bool

	// Exporter selects the export backend: "none" or "stdout".
	Exporter string

	// SampleRate controls the fraction of traces sampled, 0.0 to 1.0.
	SampleRate float64

	// ServiceName identifies this process in emitted spans.
	ServiceName string
}

// DefaultTracingConfig returns tracing disabled by default.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:     false,
		Exporter:    "none",
		SampleRate:  1.0,
		ServiceName: "taskmesh",
	}
}

// TraceProvider wraps an OpenTelemetry tracer provider with an enabled flag
// so callers can skip span bookkeeping entirely when tracing is off.
type TraceProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	enabled  bool
}

// NewTraceProvider builds the tracer for migration-transaction and
// task-execution spans. When cfg.Enabled is false it returns a no-op
// provider; callers never need to branch on Enabled() before starting a
// span, only when deciding whether to attach expensive attributes.
func NewTraceProvider(cfg TracingConfig) (*TraceProvider, error) {
	if !cfg.Enabled {
		np := noop.NewTracerProvider()
		return &TraceProvider{tracer: np.Tracer("noop"), enabled: false}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
	case "none", "":
		exporter = nil
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "taskmesh"
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &TraceProvider{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		enabled:  true,
	}, nil
}

// Tracer returns the configured tracer. Safe to call even when tracing is
// disabled; spans created from it are simply discarded.
func (p *TraceProvider) Tracer() trace.Tracer {
	return p.tracer
}

// Enabled reports whether a real exporter is attached.
func (p *TraceProvider) Enabled() bool {
	return p.enabled
}

// Shutdown flushes pending spans. No-op when tracing was never enabled.
func (p *TraceProvider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}
