// Package tracing configures the OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sells-group/metric-attribution/internal/config"
)

// ServiceName identifies this service in exported spans.
const ServiceName = "metric-attribution"

// ErrUnknownExporter is returned for an unsupported tracing.exporter value.
var ErrUnknownExporter = eris.New("tracing: unknown exporter")

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(ctx context.Context) error

// Init installs the global tracer provider. When tracing is disabled a noop
// provider is installed.
func Init(cfg config.TracingConfig) (ShutdownFunc, error) {
	return initWithWriter(cfg, os.Stderr)
}

func initWithWriter(cfg config.TracingConfig, w io.Writer) (ShutdownFunc, error) {
	if !cfg.Enabled || cfg.Exporter == "none" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "", "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, eris.Wrap(err, "tracing: create stdout exporter")
		}
		exporter = exp
	default:
		return nil, eris.Wrapf(ErrUnknownExporter, "tracing: exporter %q", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", ServiceName))),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	zap.L().Info("tracing enabled", zap.String("exporter", cfg.Exporter))
	return tp.Shutdown, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
