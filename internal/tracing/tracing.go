// Package tracing configures the process-wide OpenTelemetry TracerProvider
// that internal/httpapi's otelgin middleware reports spans through. Grounded
// on the standard otel SDK bootstrap idiom (WithBatcher + WithResource, an
// OTLP/HTTP exporter when a collector endpoint is configured, a stdout
// exporter otherwise) rather than on a specific teacher file, since no
// teacher source builds a TracerProvider directly — it only consumes
// otelgin as middleware.
package tracing

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Init installs the global TracerProvider and propagator, returning a
// shutdown func that flushes pending spans. With OTEL_EXPORTER_OTLP_ENDPOINT
// set, spans ship via OTLP/HTTP to a collector; otherwise they print to
// stdout so traces stay visible in a local run rather than going nowhere.
func Init(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	exporter, err := newExporter(ctx)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes("", attribute.String("service.name", serviceName))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return stdouttrace.New(stdouttrace.WithoutTimestamps())
	}
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint))
}
