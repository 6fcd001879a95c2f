// Package observe provides application-wide observability primitives for
// Outdial: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all Outdial metrics.
const meterName = "github.com/telroute/outdial"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// InitiateDuration tracks provider call-initiation API latency.
	InitiateDuration metric.Float64Histogram

	// ProbeDuration tracks provider health-probe round-trip latency.
	ProbeDuration metric.Float64Histogram

	// CallDuration tracks answered-call duration from answer to hangup.
	CallDuration metric.Float64Histogram

	// --- Counters ---

	// CallsInitiated counts outbound dial attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	CallsInitiated metric.Int64Counter

	// CallsCompleted counts calls reaching a terminal status. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	CallsCompleted metric.Int64Counter

	// WebhookEvents counts received vendor webhook events. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("event", ...)
	WebhookEvents metric.Int64Counter

	// RelayFrames counts audio frames moved across the bridge. Use with attribute:
	//   attribute.String("direction", "inbound"|"outbound")
	RelayFrames metric.Int64Counter

	// Retries counts queue entries re-enqueued for another attempt.
	Retries metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider API errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("code", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveBridges tracks the number of live audio bridges.
	ActiveBridges metric.Int64UpDownCounter

	// ActiveMonitors tracks the number of connected monitor listeners.
	ActiveMonitors metric.Int64UpDownCounter

	// QueueDepth tracks the number of pending call queue entries.
	QueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for telephony API and probe latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for whole-call
// durations.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.InitiateDuration, err = m.Float64Histogram("outdial.initiate.duration",
		metric.WithDescription("Latency of provider call-initiation requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProbeDuration, err = m.Float64Histogram("outdial.probe.duration",
		metric.WithDescription("Latency of provider health probes."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("outdial.call.duration",
		metric.WithDescription("Duration of answered calls from answer to hangup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsInitiated, err = m.Int64Counter("outdial.calls.initiated",
		metric.WithDescription("Total outbound dial attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.CallsCompleted, err = m.Int64Counter("outdial.calls.completed",
		metric.WithDescription("Total calls reaching a terminal status by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.WebhookEvents, err = m.Int64Counter("outdial.webhook.events",
		metric.WithDescription("Total vendor webhook events by provider and event type."),
	); err != nil {
		return nil, err
	}
	if met.RelayFrames, err = m.Int64Counter("outdial.relay.frames",
		metric.WithDescription("Total audio frames relayed across the bridge by direction."),
	); err != nil {
		return nil, err
	}
	if met.Retries, err = m.Int64Counter("outdial.queue.retries",
		metric.WithDescription("Total queue entries re-enqueued for another attempt."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("outdial.provider.errors",
		metric.WithDescription("Total provider API errors by provider and code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveBridges, err = m.Int64UpDownCounter("outdial.active_bridges",
		metric.WithDescription("Number of live audio bridges."),
	); err != nil {
		return nil, err
	}
	if met.ActiveMonitors, err = m.Int64UpDownCounter("outdial.active_monitors",
		metric.WithDescription("Number of connected monitor listeners."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("outdial.queue.depth",
		metric.WithDescription("Number of pending call queue entries."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("outdial.http.request.duration",
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

// RecordCallInitiated records a dial-attempt counter increment with the
// standard attribute set.
func (m *Metrics) RecordCallInitiated(ctx context.Context, provider, status string) {
	m.CallsInitiated.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordCallCompleted records a terminal-call counter increment with the
// standard attribute set.
func (m *Metrics) RecordCallCompleted(ctx context.Context, provider, status string) {
	m.CallsCompleted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordWebhookEvent records a webhook-event counter increment.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, event string) {
	m.WebhookEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("event", event),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, code string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("code", code),
		),
	)
}

// RecordRelayFrame records a relayed audio frame for the given direction.
func (m *Metrics) RecordRelayFrame(ctx context.Context, direction string) {
	m.RelayFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}
