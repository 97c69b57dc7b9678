// Package telemetry sets up OpenTelemetry tracing and offers span helpers
// for one EFG node step (StartStep) and one operator event (StartEvent),
// tagged so a multi-hop execution's path can be followed in a trace
// backend even though each hop runs on a different partition, possibly a
// different process entirely. The interpreter and the operator do not call
// these helpers, so they record no step or event spans themselves.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether and how tracing is exported.
type Config struct {
	Enabled     bool
	Exporter    string // "otlphttp" or "none"
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

// Provider owns the process-wide tracer provider and its shutdown hook.
type Provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

// Init configures global tracing per cfg. When cfg.Enabled is false or
// cfg.Exporter is "none", Init installs a no-op tracer so call sites never
// need to branch on whether tracing happened to be turned on.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled || cfg.Exporter == "none" {
		return &Provider{tracer: otel.Tracer("dataflow"), enabled: false}, nil
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer("dataflow"), enabled: true}, nil
}

// Enabled reports whether tracing is actually exporting spans.
func (p *Provider) Enabled() bool { return p.enabled }

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes and stops the tracer provider, if one was started.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartStep opens a span for stepping one EFG node, tagging it with the
// function type, node id, and node kind so a trace viewer can reconstruct
// the path an execution took across hops.
func (p *Provider) StartStep(ctx context.Context, functionType, method string, nodeID int, nodeKind string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "eventflow.step",
		trace.WithAttributes(
			attribute.String("dataflow.function_type", functionType),
			attribute.String("dataflow.method", method),
			attribute.Int("dataflow.node_id", nodeID),
			attribute.String("dataflow.node_kind", nodeKind),
		),
	)
}

// StartEvent opens a span for one operator event handled end to end.
func (p *Provider) StartEvent(ctx context.Context, eventType, functionType, key string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "operator.handle_event",
		trace.WithAttributes(
			attribute.String("dataflow.event_type", eventType),
			attribute.String("dataflow.function_type", functionType),
			attribute.String("dataflow.key", key),
		),
	)
}
