package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/logger"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
)

// Telemetry records run-level metrics. The zero configuration yields a no-op.
type Telemetry interface {
	RecordBruteforce(ctx context.Context, algorithm string, state string, attempts int64, elapsed time.Duration)
	RecordProbe(ctx context.Context, technique string, classification string)
	RecordFinding(ctx context.Context, severity types.Severity)
	Close() error
}

type telemetry struct {
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider

	runCounter     metric.Int64Counter
	attemptCounter metric.Int64Counter
	runDuration    metric.Float64Histogram
	probeCounter   metric.Int64Counter
	findingCounter metric.Int64Counter
}

func New(ctx context.Context, cfg config.TelemetryConfig) (Telemetry, error) {
	if !cfg.Enabled {
		return &noopTelemetry{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(logger.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter

	switch cfg.ExporterType {
	case "otlp", "":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return newInstruments(otel.Meter(cfg.ServiceName), tp)
}

func newInstruments(meter metric.Meter, tp *sdktrace.TracerProvider) (*telemetry, error) {
	runCounter, err := meter.Int64Counter("gqlcrack.bruteforce.runs",
		metric.WithDescription("Brute-force runs by terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	attemptCounter, err := meter.Int64Counter("gqlcrack.bruteforce.attempts",
		metric.WithDescription("Candidate secrets verified"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("gqlcrack.bruteforce.duration",
		metric.WithDescription("Brute-force run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	probeCounter, err := meter.Int64Counter("gqlcrack.probe.requests",
		metric.WithDescription("Auth bypass probe requests by classification"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	findingCounter, err := meter.Int64Counter("gqlcrack.findings",
		metric.WithDescription("Findings reported by severity"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		meter:          meter,
		tracerProvider: tp,
		runCounter:     runCounter,
		attemptCounter: attemptCounter,
		runDuration:    runDuration,
		probeCounter:   probeCounter,
		findingCounter: findingCounter,
	}, nil
}

func (t *telemetry) RecordBruteforce(ctx context.Context, algorithm string, state string, attempts int64, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("jwt.algorithm", algorithm),
		attribute.String("bruteforce.state", state),
	)
	t.runCounter.Add(ctx, 1, attrs)
	t.attemptCounter.Add(ctx, attempts, attrs)
	t.runDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (t *telemetry) RecordProbe(ctx context.Context, technique string, classification string) {
	t.probeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("probe.technique", technique),
		attribute.String("probe.classification", classification),
	))
}

func (t *telemetry) RecordFinding(ctx context.Context, severity types.Severity) {
	t.findingCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("finding.severity", string(severity)),
	))
}

func (t *telemetry) Close() error {
	if t.tracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

func (n *noopTelemetry) RecordBruteforce(context.Context, string, string, int64, time.Duration) {}
func (n *noopTelemetry) RecordProbe(context.Context, string, string)                           {}
func (n *noopTelemetry) RecordFinding(context.Context, types.Severity)                         {}
func (n *noopTelemetry) Close() error                                                          { return nil }
