// Package observe provides application-wide observability primitives for
// livebridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livebridge metrics.
const meterName = "github.com/MrWong99/livebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Live sessions ---

	// ActiveSessions tracks the number of open live-voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// FramesSent counts microphone frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesReceived counts decoded model audio frames.
	FramesReceived metric.Int64Counter

	// FramesDropped counts frames that were discarded. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// ConnectDuration tracks the time from session open to connected.
	ConnectDuration metric.Float64Histogram

	// --- Relay ---

	// RelaySessions counts relay connection attempts. Use with attribute:
	//   attribute.String("status", ...)
	RelaySessions metric.Int64Counter

	// RelayActive tracks the number of relayed connections currently open.
	RelayActive metric.Int64UpDownCounter

	// RelayMessages counts forwarded messages. Use with attribute:
	//   attribute.String("direction", "upstream"|"downstream")
	RelayMessages metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("livebridge.active_sessions",
		metric.WithDescription("Number of open live-voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("livebridge.frames.sent",
		metric.WithDescription("Microphone frames handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("livebridge.frames.received",
		metric.WithDescription("Model audio frames decoded from the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livebridge.frames.dropped",
		metric.WithDescription("Frames discarded, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("livebridge.connect.duration",
		metric.WithDescription("Time from session open until the transport is connected."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.RelaySessions, err = m.Int64Counter("livebridge.relay.sessions",
		metric.WithDescription("Relay connection attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RelayActive, err = m.Int64UpDownCounter("livebridge.relay.active",
		metric.WithDescription("Number of relayed connections currently open."),
	); err != nil {
		return nil, err
	}
	if met.RelayMessages, err = m.Int64Counter("livebridge.relay.messages",
		metric.WithDescription("Messages forwarded by the relay, by direction."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("livebridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameDropped records one dropped frame with its reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordRelaySession records the outcome of one relay connection attempt.
func (m *Metrics) RecordRelaySession(ctx context.Context, status string) {
	m.RelaySessions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRelayMessage records one forwarded message.
func (m *Metrics) RecordRelayMessage(ctx context.Context, direction string) {
	m.RelayMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}
