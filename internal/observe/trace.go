package observe

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace id between rolecoach and the services
// it calls, in both directions.
const CorrelationHeader = "X-Correlation-ID"

const tracerName = "github.com/MrWong99/rolecoach"

// StartSpan starts a span on the global tracer. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// CorrelationID returns the trace id of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// ResponseCorrelationID names the exchange behind resp: the id the remote
// service echoed, else the trace id the request was sent under.
func ResponseCorrelationID(resp *http.Response) string {
	if id := resp.Header.Get(CorrelationHeader); id != "" {
		return id
	}
	if resp.Request != nil {
		return CorrelationID(resp.Request.Context())
	}
	return ""
}

// Logger is the default logger with trace_id and span_id from ctx attached.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
