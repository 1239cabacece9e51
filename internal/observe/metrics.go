// Package observe provides the observability primitives shared by every
// rolecoach component: OpenTelemetry metrics and tracing, trace-aware
// logging, and HTTP middleware and client transports that tie them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// Prometheus scraping by the exporter that [InitProvider] installs. Tests
// should build their own [Metrics] with [NewMetrics] and a
// [sdkmetric.ManualReader] instead of using [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all rolecoach metrics.
const meterName = "github.com/MrWong99/rolecoach"

// Audio pipeline stages used as the "stage" attribute.
const (
	StageCapture  = "capture"
	StageUplink   = "uplink"
	StagePlayback = "playback"
)

// Metrics holds the OpenTelemetry instruments of the application.
type Metrics struct {
	// AudioBuffers counts PCM buffers by stage and result
	// (delivered, dropped, malformed).
	AudioBuffers metric.Int64Counter

	// PlaybackUnderruns counts units scheduled after the output clock had
	// already drained the queue.
	PlaybackUnderruns metric.Int64Counter

	// PlaybackLead tracks how far ahead of the output clock the schedule
	// cursor was when a unit was enqueued.
	PlaybackLead metric.Float64Histogram

	// SessionEvents counts push events received by event type.
	SessionEvents metric.Int64Counter

	// RemoteRequests counts outbound calls by service, operation, and status.
	RemoteRequests metric.Int64Counter

	// RemoteDuration tracks outbound call latency by service and operation.
	RemoteDuration metric.Float64Histogram

	// ResourceReleases counts registry releases by kind and status.
	ResourceReleases metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes by breaker and
	// target state.
	BreakerTransitions metric.Int64Counter

	// ActiveSessions tracks the number of coaching sessions in progress.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks inbound HTTP latency by method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds tuned for remote calls
// made on the voice path.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// leadBuckets cover playback lead from a few milliseconds to several
// seconds of buffered speech.
var leadBuckets = []float64{
	0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5,
}

// NewMetrics creates every instrument on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AudioBuffers, err = m.Int64Counter("rolecoach.audio.buffers",
		metric.WithDescription("PCM buffers by pipeline stage and result."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64Counter("rolecoach.playback.underruns",
		metric.WithDescription("Playback units scheduled after the queue ran dry."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("rolecoach.playback.lead",
		metric.WithDescription("Scheduled audio ahead of the output clock at enqueue time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(leadBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionEvents, err = m.Int64Counter("rolecoach.session.events",
		metric.WithDescription("Push events received by type."),
	); err != nil {
		return nil, err
	}
	if met.RemoteRequests, err = m.Int64Counter("rolecoach.remote.requests",
		metric.WithDescription("Outbound requests by service, operation, and status."),
	); err != nil {
		return nil, err
	}
	if met.RemoteDuration, err = m.Float64Histogram("rolecoach.remote.duration",
		metric.WithDescription("Outbound request latency by service and operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResourceReleases, err = m.Int64Counter("rolecoach.resource.releases",
		metric.WithDescription("Tracked resource releases by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("rolecoach.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("rolecoach.active_sessions",
		metric.WithDescription("Coaching sessions in progress."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("rolecoach.http.request.duration",
		metric.WithDescription("Inbound HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first use
// from [otel.GetMeterProvider]. It panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// statusOf maps an error to the "status" attribute value.
func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordAudioBuffer counts one buffer at stage with the given result.
func (m *Metrics) RecordAudioBuffer(ctx context.Context, stage, result string) {
	m.AudioBuffers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("result", result),
		),
	)
}

// RecordPlaybackEnqueue records the lead of a freshly scheduled unit and
// whether it restarted after an underrun.
func (m *Metrics) RecordPlaybackEnqueue(ctx context.Context, lead time.Duration, underrun bool) {
	m.PlaybackLead.Record(ctx, lead.Seconds())
	if underrun {
		m.PlaybackUnderruns.Add(ctx, 1)
	}
}

// RecordSessionEvent counts one push event.
func (m *Metrics) RecordSessionEvent(ctx context.Context, eventType string) {
	m.SessionEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordRemoteRequest records the outcome and latency of one outbound call.
func (m *Metrics) RecordRemoteRequest(ctx context.Context, service, op, status string, d time.Duration) {
	m.RemoteRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
	m.RemoteDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("op", op),
		),
	)
}

// RecordResourceRelease counts one registry release.
func (m *Metrics) RecordResourceRelease(ctx context.Context, kind string, err error) {
	m.ResourceReleases.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", statusOf(err)),
		),
	)
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("to", to),
		),
	)
}
