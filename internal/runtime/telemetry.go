package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/voxdeck/voxdeck-audio/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the otel providers and knows where the Prometheus
// scrape endpoint should live: on the runtime mux by default, or on a
// dedicated listener when telemetry.prometheus_bind is set.
type telemetry struct {
	shutdown    func(context.Context) error
	metrics     http.Handler
	metricsBind string
}

func newTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	traceProvider, traceShutdown, err := buildTracer(ctx, cfg.Telemetry, res, logger)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(traceProvider)

	t := &telemetry{metricsBind: strings.TrimSpace(cfg.Telemetry.PrometheusBind)}

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	promExporter, err := prometheus.New()
	if err != nil {
		// metrics become no-ops but the engine still runs
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
	} else {
		meterOpts = append(meterOpts, sdkmetric.WithReader(promExporter))
		t.metrics = promhttp.Handler()
	}
	meterProvider := sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(meterProvider)

	t.shutdown = func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceShutdown(ctx))
	}
	return t, nil
}

// mount attaches /metrics to the shared mux unless a dedicated
// listener is configured.
func (t *telemetry) mount(mux *http.ServeMux) {
	if t.metrics != nil && t.metricsBind == "" {
		mux.Handle("/metrics", t.metrics)
	}
}

// server returns the standalone scrape server, or nil when /metrics
// rides on the shared mux.
func (t *telemetry) server() *http.Server {
	if t.metrics == nil || t.metricsBind == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.metrics)
	return &http.Server{
		Addr:              t.metricsBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func buildTracer(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	if endpoint == "" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		logger.Info("telemetry initialized", slog.String("exporter", "stdout"))
		return tp, tp.Shutdown, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	logger.Info("telemetry initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	return tp, tp.Shutdown, nil
}
