// Package telemetry wires OpenTelemetry tracing and metrics for the workorder engine.
//
// Telemetry is off by default. When disabled, no-op providers are installed
// so instrumented code pays nothing.
//
//	OTEL_ENABLED=true        enable telemetry
//	OTEL_STDOUT=true         pretty-print spans and metrics to stdout
//	OTEL_SERVICE_NAME=...    override service name
package telemetry

import (
	"context"
	"fmt"
	"time"

	"river-workorder/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "river-workorder"

var shutdownFns []func(context.Context) error

// Init configures OTel providers from cfg.
func Init(ctx context.Context, cfg config.TelemetryConfig, version string) error {
	if !cfg.Enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = instrumentationScope
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	tracerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.Stdout {
		texp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("telemetry: stdout trace exporter: %w", err)
		}
		tracerOpts = append(tracerOpts, sdktrace.WithBatcher(texp))

		mexp, err := stdoutmetric.New()
		if err != nil {
			return fmt.Errorf("telemetry: stdout metric exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(mexp, sdkmetric.WithInterval(15*time.Second)),
		))
	}

	tp := sdktrace.NewTracerProvider(tracerOpts...)
	otel.SetTracerProvider(tp)
	shutdownFns = append(shutdownFns, tp.Shutdown)

	mp := sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

// Tracer returns a tracer with the given instrumentation name (or the global scope).
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Tracer(name)
}

// Meter returns a meter with the given instrumentation name (or the global scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes pending spans and metrics.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}
