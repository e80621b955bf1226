package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Recorder records traces, metrics and logs for a particular subsystem.
type Recorder struct {
	name   string
	tracer trace.Tracer
	meter  metric.Meter
	logger *slog.Logger

	errorCount Instrument[int64]
}

// With returns a copy of r that includes attrs in every log message.
func (r *Recorder) With(attrs ...Attr) *Recorder {
	c := *r
	c.logger = r.logger.With(asSlogArgs(attrs)...)
	return &c
}

// Debug logs a debug message and records it as an event on the span in ctx.
func (r *Recorder) Debug(ctx context.Context, message string, attrs ...Attr) {
	r.record(ctx, slog.LevelDebug, message, attrs)
}

// Info logs an informational message and records it as an event on the span
// in ctx.
func (r *Recorder) Info(ctx context.Context, message string, attrs ...Attr) {
	r.record(ctx, slog.LevelInfo, message, attrs)
}

// Warn logs a warning message and records it as an event on the span in ctx.
func (r *Recorder) Warn(ctx context.Context, message string, attrs ...Attr) {
	r.record(ctx, slog.LevelWarn, message, attrs)
}

// Error logs an error and increments the "errors" metric. It marks the span
// in ctx as failed.
func (r *Recorder) Error(ctx context.Context, message string, err error, attrs ...Attr) {
	attrs = append(attrs, Err(err))
	r.record(ctx, slog.LevelError, message, attrs)
	r.errorCount(ctx, 1)

	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}

func (r *Recorder) record(
	ctx context.Context,
	level slog.Level,
	message string,
	attrs []Attr,
) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(
			message,
			trace.WithAttributes(asAttrKeyValues(attrs)...),
		)
	}

	r.logger.Log(ctx, level, message, asSlogArgs(attrs)...)
}
