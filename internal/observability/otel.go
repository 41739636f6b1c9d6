// Package observability wires OpenTelemetry exporters and pipeline counters.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/radiant-ai/pipeline/internal/config"
)

const instrumentationName = "radiant.pipeline"

// Runtime exposes pipeline metric hooks backed by OpenTelemetry.
type Runtime struct {
	enabled bool

	recordsEnqueuedCounter    metric.Int64Counter
	recordsPersistedCounter   metric.Int64Counter
	recordsRetriedCounter     metric.Int64Counter
	recordsDroppedCounter     metric.Int64Counter
	cacheDegradedCounter      metric.Int64Counter
	idempotencyReplaysCounter metric.Int64Counter

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// Endpoint URLs carry explicit transport intent and win over the
		// insecure toggle to avoid mismatches like https endpoints + insecure=true.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	if cfg.TracesEnabled {
		traceExporterOptions := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(otlpEndpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if insecure {
			traceExporterOptions = append(traceExporterOptions, otlptracehttp.WithInsecure())
		}
		traceExporter, err := otlptracehttp.New(ctx, traceExporterOptions...)
		if err != nil {
			return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
		}

		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRatio))),
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, tracerProvider.Shutdown)
	}

	if cfg.MetricsEnabled {
		metricExporterOptions := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(otlpEndpoint),
			otlpmetrichttp.WithTimeout(exportTimeout),
		}
		if insecure {
			metricExporterOptions = append(metricExporterOptions, otlpmetrichttp.WithInsecure())
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricExporterOptions...)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
		}

		reader := sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(metricInterval),
			sdkmetric.WithTimeout(exportTimeout),
		)
		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		)
		otel.SetMeterProvider(meterProvider)
		runtime.shutdownFns = append(runtime.shutdownFns, meterProvider.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	meter := otel.Meter(instrumentationName)
	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&runtime.recordsEnqueuedCounter, "radiant.pipeline.records_enqueued_total", "Count of write records handed to the queue."},
		{&runtime.recordsPersistedCounter, "radiant.pipeline.records_persisted_total", "Count of write records committed to the relational store."},
		{&runtime.recordsRetriedCounter, "radiant.pipeline.messages_retried_total", "Count of queue messages reported for redelivery."},
		{&runtime.recordsDroppedCounter, "radiant.pipeline.messages_dropped_total", "Count of malformed queue messages permanently dropped."},
		{&runtime.cacheDegradedCounter, "radiant.pipeline.cache_degraded_total", "Count of cache operations degraded to log-and-continue."},
		{&runtime.idempotencyReplaysCounter, "radiant.pipeline.idempotency_replays_total", "Count of operations answered from a stored idempotency result."},
	}
	for _, counter := range counters {
		created, metricErr := meter.Int64Counter(counter.name, metric.WithDescription(counter.description))
		if metricErr != nil && logger != nil {
			logger.Warn("failed to create opentelemetry counter", "metric", counter.name, "error", metricErr)
		}
		*counter.target = created
	}

	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}

	return runtime, nil
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

func (r *Runtime) add(counter metric.Int64Counter, count int, attrs ...attribute.KeyValue) {
	if !r.Enabled() || counter == nil || count <= 0 {
		return
	}
	counter.Add(context.Background(), int64(count), metric.WithAttributes(attrs...))
}

// RecordEnqueued counts write records handed to the queue.
func (r *Runtime) RecordEnqueued(count int) {
	if !r.Enabled() {
		return
	}
	r.add(r.recordsEnqueuedCounter, count)
}

// RecordPersisted counts write records committed to the store.
func (r *Runtime) RecordPersisted(count int) {
	if !r.Enabled() {
		return
	}
	r.add(r.recordsPersistedCounter, count)
}

// RecordRetried counts queue messages reported for redelivery.
func (r *Runtime) RecordRetried(count int) {
	if !r.Enabled() {
		return
	}
	r.add(r.recordsRetriedCounter, count)
}

// RecordDropped counts malformed messages permanently dropped.
func (r *Runtime) RecordDropped(count int) {
	if !r.Enabled() {
		return
	}
	r.add(r.recordsDroppedCounter, count)
}

// RecordCacheDegraded counts degraded cache operations by operation name.
func (r *Runtime) RecordCacheDegraded(operation string) {
	if !r.Enabled() {
		return
	}
	r.add(r.cacheDegradedCounter, 1, attribute.String("operation", strings.TrimSpace(operation)))
}

// RecordIdempotencyReplay counts replies served from stored results.
func (r *Runtime) RecordIdempotencyReplay(operationType string) {
	if !r.Enabled() {
		return
	}
	r.add(r.idempotencyReplaysCounter, 1, attribute.String("operation_type", strings.TrimSpace(operationType)))
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}
