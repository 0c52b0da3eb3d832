// Package tracing sets up OTLP trace export and small helpers for spanning
// research and step lifecycles.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianlabs-ai/meridian/go/orchestrator/internal/config"
)

const serviceName = "meridian-orchestrator"

var tracer oteltrace.Tracer = otel.Tracer(serviceName)

// Initialize sets up OTLP tracing. When disabled, the no-op tracer stays in
// place so span helpers never panic.
func Initialize(cfg config.TracingConfig, logger *zap.Logger) (func(context.Context) error, error) {
	if !cfg.Enabled {
		logger.Info("Tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(serviceName)

	logger.Info("Tracing initialized", zap.String("endpoint", endpoint))
	return tp.Shutdown, nil
}

// StartResearchSpan opens the root span for one research run.
func StartResearchSpan(ctx context.Context, researchID string) (context.Context, oteltrace.Span) {
	ctx, span := tracer.Start(ctx, "research.run")
	span.SetAttributes(attribute.String("research.id", researchID))
	return ctx, span
}

// StartStepSpan opens a span for one step dispatch attempt.
func StartStepSpan(ctx context.Context, researchID, stepID string, agentType string, retryCount int) (context.Context, oteltrace.Span) {
	ctx, span := tracer.Start(ctx, "research.step")
	span.SetAttributes(
		attribute.String("research.id", researchID),
		attribute.String("step.id", stepID),
		attribute.String("step.agent_type", agentType),
		attribute.Int("step.retry_count", retryCount),
	)
	return ctx, span
}

// W3CTraceparent renders the current span as a traceparent header value, or
// empty when no span is recording.
func W3CTraceparent(ctx context.Context) string {
	sc := oteltrace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-%02x", sc.TraceID(), sc.SpanID(), sc.TraceFlags())
}

// InjectTraceparent adds the traceparent header to an outbound worker request.
func InjectTraceparent(ctx context.Context, req *http.Request) {
	if tp := W3CTraceparent(ctx); tp != "" {
		req.Header.Set("traceparent", tp)
	}
}
