package observe

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

type opKey struct{}

// WithOperation labels outbound requests made with ctx. [Transport] uses the
// label as the "op" metric attribute and in the span name.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, opKey{}, op)
}

// Operation returns the label set by [WithOperation], or "" if none.
func Operation(ctx context.Context) string {
	op, _ := ctx.Value(opKey{}).(string)
	return op
}

// Transport instruments outbound HTTP calls to a remote service. Each request
// gets a client span, carries W3C trace context, and is counted in
// [Metrics.RemoteRequests] and [Metrics.RemoteDuration] under service. A nil
// base means [http.DefaultTransport].
func Transport(base http.RoundTripper, m *Metrics, service string) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{base: base, metrics: m, service: service}
}

type transport struct {
	base    http.RoundTripper
	metrics *Metrics
	service string
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	op := Operation(req.Context())
	if op == "" {
		op = req.Method
	}
	start := time.Now()

	ctx, span := StartSpan(req.Context(), t.service+"."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(req.Method),
			semconv.URLPath(req.URL.Path),
		),
	)
	defer span.End()

	req = req.Clone(ctx)
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.base.RoundTrip(req)

	status := "error"
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
		status = strconv.Itoa(resp.StatusCode)
		if resp.StatusCode >= 500 {
			span.SetStatus(codes.Error, resp.Status)
		}
	}
	if t.metrics != nil {
		t.metrics.RecordRemoteRequest(ctx, t.service, op, status, time.Since(start))
	}
	return resp, err
}
