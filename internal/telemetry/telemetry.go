// Package telemetry wires the gateway's OpenTelemetry trace pipeline.
// Tracing is opt-in through the standard OTLP environment variables; a
// gateway without an endpoint configured runs untraced.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	envEndpoint   = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envSampleRate = "OTEL_TRACE_SAMPLE_RATE"

	defaultSampleRate = 0.1
	initTimeout       = 5 * time.Second
	exportTimeout     = 3 * time.Second
)

// ShutdownFunc flushes and stops the trace pipeline.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Init installs the global trace provider against the OTLP endpoint named
// in OTEL_EXPORTER_OTLP_ENDPOINT. An unset endpoint or a failed exporter
// build leaves the gateway running untraced with a noop shutdown.
func Init(ctx context.Context, service, version string) (ShutdownFunc, error) {
	endpoint := strings.TrimSpace(os.Getenv(envEndpoint))
	if endpoint == "" {
		return noopShutdown, nil
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	exporter, err := otlptracehttp.New(initCtx,
		otlptracehttp.WithEndpoint(stripScheme(endpoint)),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(exportTimeout),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{Enabled: false}),
	)
	if err != nil {
		return noopShutdown, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(gatewayAttributes(service, version)...))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate()))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// gatewayAttributes identifies this gateway instance in exported spans.
func gatewayAttributes(service, version string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(service)}
	if version != "" {
		attrs = append(attrs, semconv.ServiceVersion(version))
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(host))
	}
	return attrs
}

// stripScheme reduces a URL-shaped endpoint to host:port; the exporter
// option takes the endpoint without a scheme.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}

// sampleRate reads OTEL_TRACE_SAMPLE_RATE as a ratio in [0,1], falling
// back to the default when unset or out of range.
func sampleRate() float64 {
	raw := strings.TrimSpace(os.Getenv(envSampleRate))
	if raw == "" {
		return defaultSampleRate
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil || rate < 0 || rate > 1 {
		return defaultSampleRate
	}
	return rate
}
