package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/CodeMonkeyCybersecurity/gqlcrack/internal/config"
	"github.com/CodeMonkeyCybersecurity/gqlcrack/pkg/types"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is stamped into every log line. Overridden at build time with -ldflags.
var Version = "dev"

const serviceName = "gqlcrack"

// Logger is a sugared zap logger whose entries are also forwarded to the
// OpenTelemetry log pipeline, plus helpers for the events gqlcrack emits.
type Logger struct {
	*zap.SugaredLogger
	tracer trace.Tracer
}

func New(cfg config.LoggerConfig) (*Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	// stdout carries command output (JSON results), so logs default to stderr
	zapConfig.OutputPaths = []string{"stderr"}
	if len(cfg.OutputPaths) > 0 {
		zapConfig.OutputPaths = cfg.OutputPaths
	}

	base, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	otelCore := otelzap.NewCore(serviceName,
		otelzap.WithAttributes(
			attribute.String("service", serviceName),
			attribute.String("version", Version),
		),
	)
	return NewWithCore(zapcore.NewTee(base.Core(), otelCore)), nil
}

// NewWithCore wraps an existing zap core. Tests pass an observer core here.
func NewWithCore(core zapcore.Core) *Logger {
	z := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).
		With(zap.String("service", serviceName), zap.String("version", Version))
	return &Logger{
		SugaredLogger: z.Sugar(),
		tracer:        otel.Tracer(serviceName),
	}
}

// Nop returns a logger that discards everything. Library code falls back to it
// when the caller does not supply one.
func Nop() *Logger {
	return &Logger{
		SugaredLogger: zap.NewNop().Sugar(),
		tracer:        otel.Tracer(serviceName),
	}
}

func (l *Logger) derive(s *zap.SugaredLogger) *Logger {
	return &Logger{SugaredLogger: s, tracer: l.tracer}
}

// WithContext adds trace and span ids when ctx carries a recording span.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return l
	}
	sc := span.SpanContext()
	return l.derive(l.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String()))
}

func (l *Logger) WithFields(fields ...interface{}) *Logger {
	return l.derive(l.With(fields...))
}

func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

func (l *Logger) WithTarget(target string) *Logger {
	return l.WithFields("target", target)
}

func (l *Logger) WithReportID(reportID string) *Logger {
	return l.WithFields("report_id", reportID)
}

func spanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// StartOperation opens a span named after operation and logs its start at
// debug level. Pair it with FinishOperation.
func (l *Logger) StartOperation(ctx context.Context, operation string, fields ...interface{}) (context.Context, trace.Span) {
	ctx, span := l.tracer.Start(ctx, operation)
	l.WithContext(ctx).Debugw("Operation started",
		append([]interface{}{"operation", operation}, fields...)...)
	return ctx, span
}

// FinishOperation logs the outcome of an operation and ends its span.
func (l *Logger) FinishOperation(ctx context.Context, span trace.Span, operation string, start time.Time, err error, fields ...interface{}) {
	defer span.End()

	duration := time.Since(start)
	all := append([]interface{}{"operation", operation, "duration_ms", duration.Milliseconds()}, fields...)

	if err != nil {
		l.LogError(ctx, err, operation, all[2:]...)
	} else {
		l.WithContext(ctx).Debugw("Operation completed", all...)
		span.SetStatus(codes.Ok, "")
	}
	spanEvent(ctx, "operation_finished",
		attribute.String("operation", operation),
		attribute.Int64("duration_ms", duration.Milliseconds()),
		attribute.Bool("success", err == nil),
	)
}

func (l *Logger) LogDuration(ctx context.Context, operation string, start time.Time, fields ...interface{}) {
	duration := time.Since(start)
	l.WithContext(ctx).Infow("Operation completed",
		append([]interface{}{
			"operation", operation,
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),
		}, fields...)...)
}

func (l *Logger) LogError(ctx context.Context, err error, operation string, fields ...interface{}) {
	if err == nil {
		return
	}
	l.WithContext(ctx).Errorw("Operation failed",
		append([]interface{}{
			"error", err.Error(),
			"operation", operation,
			"error_type", fmt.Sprintf("%T", err),
		}, fields...)...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// LogSecretRecovered records a cracked signing secret. Only its length is
// logged; the secret itself belongs in the result, not in log pipelines.
func (l *Logger) LogSecretRecovered(ctx context.Context, algorithm string, secretLen int, index, attempts int64) {
	l.WithContext(ctx).Warnw("JWT signing secret recovered",
		"security_event", "jwt_secret_recovered",
		"algorithm", algorithm,
		"secret_length", secretLen,
		"index", index,
		"attempts", attempts,
	)
	spanEvent(ctx, "jwt_secret_recovered",
		attribute.String("algorithm", algorithm),
		attribute.Int64("attempts", attempts),
	)
}

// LogFinding logs a finding at a level matching its severity: critical and
// high warn, medium is info, the rest debug.
func (l *Logger) LogFinding(ctx context.Context, f types.Finding) {
	fields := []interface{}{
		"finding_type", f.Type,
		"severity", string(f.Severity),
		"title", f.Title,
	}
	if f.Endpoint != "" {
		fields = append(fields, "endpoint", f.Endpoint)
	}
	if f.Tool != "" {
		fields = append(fields, "tool", f.Tool)
	}

	log := l.WithContext(ctx)
	switch f.Severity {
	case types.SeverityCritical, types.SeverityHigh:
		log.Warnw("Finding recorded", fields...)
	case types.SeverityMedium:
		log.Infow("Finding recorded", fields...)
	default:
		log.Debugw("Finding recorded", fields...)
	}

	spanEvent(ctx, "finding",
		attribute.String("type", f.Type),
		attribute.String("severity", string(f.Severity)),
	)
}

func (l *Logger) LogHTTPRequest(ctx context.Context, method, url string, statusCode int, duration time.Duration, fields ...interface{}) {
	// Probing deliberately provokes 4xx/5xx, so status codes never raise the level.
	l.WithContext(ctx).Debugw("HTTP request completed",
		append([]interface{}{
			"http_method", method,
			"http_url", url,
			"http_status", statusCode,
			"duration_ms", duration.Milliseconds(),
		}, fields...)...)
}

func (l *Logger) LogDatabaseOperation(ctx context.Context, operation, table string, rowsAffected int64, duration time.Duration, fields ...interface{}) {
	l.WithContext(ctx).Debugw("Database operation completed",
		append([]interface{}{
			"db_operation", operation,
			"db_table", table,
			"rows_affected", rowsAffected,
			"duration_ms", duration.Milliseconds(),
		}, fields...)...)
	spanEvent(ctx, "database_operation",
		attribute.String("operation", operation),
		attribute.String("table", table),
		attribute.Int64("rows_affected", rowsAffected),
	)
}
