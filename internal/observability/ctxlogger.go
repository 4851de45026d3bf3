package observability

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// LoggerWithTrace returns the global logger enriched with trace_id/span_id
// from the active span, so every log line of a job run can be correlated
// with its trace.
func LoggerWithTrace(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return &l
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		builder := l.With().Str("trace_id", sc.TraceID().String())
		if sc.HasSpanID() {
			builder = builder.Str("span_id", sc.SpanID().String())
		}
		if sc.IsSampled() {
			builder = builder.Bool("trace_sampled", true)
		}
		l = builder.Logger()
	}
	return &l
}
