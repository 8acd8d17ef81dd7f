// Package telemetry wires OpenTelemetry tracing around the gateway's command
// execution path. Disabled by default; when enabled, spans are exported over
// OTLP to the configured collector.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/sshgateway/internal/config"
)

const tracerName = "github.com/nextlevelbuilder/sshgateway"

// Shutdown flushes and stops the trace provider.
type Shutdown func(context.Context) error

// Init installs a global tracer provider per cfg. When telemetry is disabled
// it installs nothing and returns a no-op shutdown.
func Init(ctx context.Context, cfg config.TelemetryConfig, log *slog.Logger) (Shutdown, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	log.Info("telemetry enabled", "endpoint", cfg.Endpoint, "protocol", cfg.Protocol)

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (*otlptrace.Exporter, error) {
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}
}

// StartCommandSpan opens a span for one execute_command call. The command's
// argument tail is never recorded, only its identifier.
func StartCommandSpan(ctx context.Context, sessionID, commandName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "execute_command",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("command.name", commandName),
		),
	)
}

// EndCommandSpan records the result attributes and closes the span.
func EndCommandSpan(span trace.Span, exitStatus *int, truncated bool, durationMS int64) {
	if exitStatus != nil {
		span.SetAttributes(attribute.Int("command.exit_status", *exitStatus))
	}
	span.SetAttributes(
		attribute.Bool("command.truncated", truncated),
		attribute.Int64("command.duration_ms", durationMS),
	)
	span.End()
}
