package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// WithTrace annotates log with the trace and span IDs recorded on ctx so
// request-scoped log lines can be joined with their traces. When ctx carries
// no valid span the logger is returned unchanged.
func WithTrace(ctx context.Context, log *zap.SugaredLogger) *zap.SugaredLogger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return log
	}
	return log.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
