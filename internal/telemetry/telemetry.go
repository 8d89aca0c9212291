package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.uber.org/zap"

	"github.com/satriahrh/twinvoice/internal/config"
)

// Telemetry holds the installed providers
type Telemetry struct {
	// MetricsHandler serves the Prometheus exposition; nil when metrics are disabled
	MetricsHandler http.Handler

	shutdowns []func(context.Context) error
}

// Setup installs global meter and tracer providers. Instruments created with
// otel.Meter anywhere in the process are exported through them.
func Setup(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("twin.mode", cfg.Mode),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	t := &Telemetry{}

	if cfg.Telemetry.Metrics {
		handler, shutdown, err := initMetrics(res)
		if err != nil {
			logger.Warn("Failed to initialize prometheus exporter, metrics disabled", zap.Error(err))
		} else {
			t.MetricsHandler = handler
			t.shutdowns = append(t.shutdowns, shutdown)
		}
	}

	shutdown, err := initTracer(ctx, cfg.Telemetry, res, logger)
	if err != nil {
		_ = t.Shutdown(ctx)
		return nil, err
	}
	if shutdown != nil {
		t.shutdowns = append(t.shutdowns, shutdown)
	}
	return t, nil
}

// Shutdown flushes and stops every provider
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func initMetrics(res *resource.Resource) (http.Handler, func(context.Context) error, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), provider.Shutdown, nil
}

func initTracer(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *zap.Logger) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	switch cfg.TraceExporter {
	case config.TraceOTLP:
		endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		exporter = exp
		logger.Info("Tracing initialized", zap.String("exporter", "otlp"), zap.String("endpoint", endpoint))
	case config.TraceStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		exporter = exp
		logger.Info("Tracing initialized", zap.String("exporter", "stdout"))
	default:
		return nil, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
