// Package telemetry installs the global tracer provider for the iisharness
// CLI. Spans go to an OTLP/HTTP collector, or to stderr as JSON when no
// exporter can be built.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	ServiceName        = "iisharness"
	DefaultEnvironment = "dev"
	// DefaultEndpoint is used when neither env nor config name a collector.
	DefaultEndpoint = "http://localhost:4318"
	// ShutdownTimeout bounds the final span flush.
	ShutdownTimeout = 5 * time.Second
)

var (
	// ServiceVersion is set at build time via ldflags when available.
	ServiceVersion = "dev"

	// TLS and headers still come from the OTEL_EXPORTER_OTLP_* variables.
	newOTLPExporter = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	}

	fallbackOut io.Writer = os.Stderr
)

// Options configures Init.
type Options struct {
	// Endpoint is the configured collector URL; OTEL_EXPORTER_OTLP_ENDPOINT wins over it.
	Endpoint string
}

// Init installs the global tracer provider. The returned shutdown flushes
// once and is safe to call repeatedly.
func Init(ctx context.Context, opts Options) (func(), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(serviceVersion()),
			semconv.DeploymentEnvironment(resolveEnvironment()),
		),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	endpoint := resolveEndpoint(opts.Endpoint)
	exporter, err := newOTLPExporter(ctx, endpoint)
	if err != nil {
		fmt.Fprintf(fallbackOut, "warning: OTLP exporter unavailable for %s (%v); falling back to console exporter\n", endpoint, err)
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(fallbackOut))
		if err != nil {
			return nil, fmt.Errorf("create console exporter: %w", err)
		}
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	return func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				otel.Handle(err)
			}
		})
	}, nil
}

func resolveEndpoint(configured string) string {
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	if endpoint := strings.TrimSpace(configured); endpoint != "" {
		return endpoint
	}
	return DefaultEndpoint
}

func resolveEnvironment() string {
	for _, key := range []string{"IISHARNESS_ENV", "ENVIRONMENT", "ENV"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func serviceVersion() string {
	if version := strings.TrimSpace(ServiceVersion); version != "" {
		return version
	}
	return "dev"
}
