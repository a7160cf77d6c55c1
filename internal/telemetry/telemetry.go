// Package telemetry wires OpenTelemetry tracing for the pipeline,
// exporting spans over OTLP/gRPC (or to stdout when no
// collector endpoint is configured, for local runs).
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the process-wide tracer provider and exposes the Tracer
// every pipeline stage uses to start spans.
type Provider struct {
	tracer   trace.Tracer
	tp       *sdktrace.TracerProvider
	shutdown func(context.Context) error
}

// Init creates a Provider for serviceName. If otlpEndpoint is empty, spans
// are exported to stdout instead of a collector — the local-run fallback.
func Init(ctx context.Context, serviceName, otlpEndpoint string) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var batcher sdktrace.TracerProviderOption
	var shutdownExporter func(context.Context) error

	if otlpEndpoint == "" {
		exp, expErr := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if expErr != nil {
			return nil, fmt.Errorf("telemetry: build stdout exporter: %w", expErr)
		}
		batcher = sdktrace.WithBatcher(exp)
		shutdownExporter = exp.Shutdown
	} else {
		exp, expErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(otlpEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if expErr != nil {
			return nil, fmt.Errorf("telemetry: build otlp exporter for %s: %w", otlpEndpoint, expErr)
		}
		batcher = sdktrace.WithBatcher(exp)
		shutdownExporter = exp.Shutdown
	}

	tp := sdktrace.NewTracerProvider(batcher, sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{
		tracer: tp.Tracer(serviceName),
		tp:     tp,
		shutdown: func(ctx context.Context) error {
			if err := tp.Shutdown(ctx); err != nil {
				return err
			}
			return shutdownExporter(ctx)
		},
	}, nil
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// StartSpan is a convenience wrapper over Tracer().Start for the common
// case of naming a span after the pipeline stage that owns it.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}

// Shutdown flushes pending spans and releases exporter resources. Safe to
// call with a bounded-deadline context during process shutdown.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.shutdown(shutdownCtx)
}
