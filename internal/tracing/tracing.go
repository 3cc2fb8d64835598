// Package tracing wraps OpenTelemetry span creation for the handful of
// operations worth following across a run: orchestrator turns (C7),
// tool dispatch (C4), and the external HTTP surface (C12). It carries
// no exporter of its own — wiring a concrete OTLP/stdout exporter is a
// deployment concern, done by setting Config.Exporter to an
// sdktrace.SpanExporter when calling NewTracer.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer issues spans for one service identity.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Config names the service and controls sampling.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// SamplingRate is the fraction of traces recorded, 0.0-1.0.
	// Defaults to 1.0.
	SamplingRate float64

	// Exporter receives finished spans in batches. A nil Exporter
	// means spans are created and ended but never exported anywhere,
	// which is fine for a deployment that hasn't stood up a collector
	// yet; the span creation overhead stays near zero either way.
	Exporter sdktrace.SpanExporter
}

// NewTracer builds a Tracer and a shutdown func that flushes and stops
// the underlying provider.
func NewTracer(cfg Config) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mozaikscore"
	}
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = 1.0
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if cfg.Exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.Exporter))
	}
	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	t := &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}
	return t, provider.Shutdown
}

// Start opens a span named name and returns the context carrying it.
func (t *Tracer) Start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{trace.WithSpanKind(kind)}
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return t.tracer.Start(ctx, name, opts...)
}

// RecordError marks span as failed, a no-op when err is nil.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceRun opens the span that wraps one orchestrator turn.
func (t *Tracer) TraceRun(ctx context.Context, workflowName, chatID string) (context.Context, trace.Span) {
	return t.Start(ctx, "orchestrator.run_turn", trace.SpanKindInternal,
		attribute.String("workflow.name", workflowName),
		attribute.String("chat.id", chatID),
	)
}

// TraceToolExecution opens the span around one plugin dispatch.
func (t *Tracer) TraceToolExecution(ctx context.Context, pluginName string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("plugin.%s", pluginName), trace.SpanKindInternal,
		attribute.String("plugin.name", pluginName),
	)
}

// TraceHTTPRequest opens the span around one inbound API request.
func (t *Tracer) TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return t.Start(ctx, fmt.Sprintf("http.%s %s", method, route), trace.SpanKindServer,
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	)
}
