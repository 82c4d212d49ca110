// Package obstrace is the core's ambient distributed tracing: one span per
// run, per turn, and per tool call. Exporter wiring (collector deployment,
// dashboards) is left entirely to the caller; emitting the spans
// themselves is not optional.
package obstrace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures Tracer construction.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP/gRPC collector endpoint. Empty disables export
	// (spans are still created and can be inspected via the in-process
	// provider, just never shipped anywhere).
	Endpoint string
	// SamplingRate is in [0,1]; zero value defaults to 1.0 (sample all).
	SamplingRate float64
}

// Tracer issues spans for runs/turns/tool calls.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New constructs a Tracer and returns a shutdown func the caller must
// invoke on exit to flush any buffered spans.
func New(ctx context.Context, cfg Config) (*Tracer, func(context.Context) error, error) {
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = 1.0
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("obstrace: build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}

	if cfg.Endpoint != "" {
		client := otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		exporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, nil, fmt.Errorf("obstrace: build exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	t := &Tracer{provider: provider, tracer: provider.Tracer("agentcore")}
	return t, provider.Shutdown, nil
}

// StartRun opens a span covering one Agent Loop run.
func (t *Tracer) StartRun(ctx context.Context, runID, provider, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agentcore.run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("provider", provider),
			attribute.String("model", model),
		))
}

// StartTurn opens a span covering one turn within a run.
func (t *Tracer) StartTurn(ctx context.Context, turnIndex int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agentcore.turn", trace.WithAttributes(attribute.Int("turn_index", turnIndex)))
}

// StartTool opens a span covering one tool-call execution.
func (t *Tracer) StartTool(ctx context.Context, toolCallID, toolName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "agentcore.tool",
		trace.WithAttributes(
			attribute.String("tool_call_id", toolCallID),
			attribute.String("tool_name", toolName),
		))
}

// End finalizes span, recording err (if any) as the span's status.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
