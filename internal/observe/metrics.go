// Package observe provides the server's observability primitives:
// OpenTelemetry metrics, distributed tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter set up by [InitProvider]. A package-level default
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/SATYAM-KS/ClockTower"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// AlertSendDuration tracks how long one alert delivery took, including
	// fallbacks. Use with attribute.String("backend", ...).
	AlertSendDuration metric.Float64Histogram

	// --- Counters ---

	// AlertsSent counts alert deliveries. Use with attributes:
	//   attribute.String("type", ...), attribute.String("backend", ...), attribute.String("status", ...)
	AlertsSent metric.Int64Counter

	// AccidentDetections counts evaluator and keyword detections. Use with
	// attribute.String("trigger", ...).
	AccidentDetections metric.Int64Counter

	// SafetyChecks counts safety-check transitions. Use with
	// attribute.String("outcome", ...).
	SafetyChecks metric.Int64Counter

	// SpeechStreamEnds counts recogniser stream terminations. Use with
	// attribute.String("class", ...), attribute.Bool("restart", ...).
	SpeechStreamEnds metric.Int64Counter

	// OutboxFlushed counts outbox rows replayed into the primary store.
	OutboxFlushed metric.Int64Counter

	// --- Gauges ---

	// ConnectedDevices tracks the number of devices with an open bridge.
	ConnectedDevices metric.Int64UpDownCounter

	// ActiveSessions tracks the number of devices inside a flagged zone with
	// a running monitoring session.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// database round trips.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AlertSendDuration, err = m.Float64Histogram("redzone.alert.send.duration",
		metric.WithDescription("Latency of one alert delivery including fallbacks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.AlertsSent, err = m.Int64Counter("redzone.alerts",
		metric.WithDescription("Total alert deliveries by type, backend, and status."),
	); err != nil {
		return nil, err
	}
	if met.AccidentDetections, err = m.Int64Counter("redzone.detections",
		metric.WithDescription("Potential accidents detected by trigger type."),
	); err != nil {
		return nil, err
	}
	if met.SafetyChecks, err = m.Int64Counter("redzone.safety_checks",
		metric.WithDescription("Safety-check transitions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SpeechStreamEnds, err = m.Int64Counter("redzone.speech.stream_ends",
		metric.WithDescription("Speech recognition stream terminations by error class."),
	); err != nil {
		return nil, err
	}
	if met.OutboxFlushed, err = m.Int64Counter("redzone.outbox.flushed",
		metric.WithDescription("Alerts replayed from the local outbox into the primary store."),
	); err != nil {
		return nil, err
	}

	if met.ConnectedDevices, err = m.Int64UpDownCounter("redzone.connected_devices",
		metric.WithDescription("Number of devices with an open bridge."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("redzone.active_sessions",
		metric.WithDescription("Number of running in-zone monitoring sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("redzone.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAlert records one alert delivery outcome.
func (m *Metrics) RecordAlert(ctx context.Context, alertType, backend, status string) {
	m.AlertsSent.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", alertType),
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}

// RecordDetection records a potential accident.
func (m *Metrics) RecordDetection(ctx context.Context, trigger string) {
	m.AccidentDetections.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordSafetyCheck records a safety-check transition such as
// "check_started" or "escalated".
func (m *Metrics) RecordSafetyCheck(ctx context.Context, outcome string) {
	m.SafetyChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSpeechStreamEnd records a recogniser stream termination.
func (m *Metrics) RecordSpeechStreamEnd(ctx context.Context, class string, restart bool) {
	m.SpeechStreamEnds.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("class", class),
			attribute.Bool("restart", restart),
		),
	)
}
