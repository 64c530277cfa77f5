// Package telemetry installs the process-wide OpenTelemetry trace pipeline
// that the clustering and analysis spans are exported through.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/flashreport/flashreport/internal/config"
)

// Tracing owns the installed tracer provider. The zero value is disabled and
// its Shutdown is a no-op.
type Tracing struct {
	provider *sdktrace.TracerProvider
}

// Setup installs an OTLP/HTTP exporter as the global tracer provider when an
// endpoint is configured. Without one, spans stay no-ops.
func Setup(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) (*Tracing, error) {
	if cfg.Endpoint == "" {
		logger.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, tracing disabled")
		return &Tracing{}, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	tracing, err := Install(ctx, cfg.ServiceName, sdktrace.NewBatchSpanProcessor(exporter))
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}
	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "service", cfg.ServiceName)
	return tracing, nil
}

// Install builds a tracer provider around processor and makes it global.
// Tracers handed out afterwards record through it.
func Install(ctx context.Context, serviceName string, processor sdktrace.SpanProcessor) (*Tracing, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("component", "flashreport-pipeline"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTel resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return &Tracing{provider: provider}, nil
}

// Enabled reports whether spans are being exported.
func (t *Tracing) Enabled() bool {
	return t != nil && t.provider != nil
}

// Shutdown flushes pending spans and stops the exporter.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down tracer provider: %w", err)
	}
	return nil
}
