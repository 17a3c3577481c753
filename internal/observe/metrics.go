// Package observe provides application-wide observability primitives for the
// session broker: OpenTelemetry metrics, distributed tracing, structured
// logging helpers, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all broker metrics.
const meterName = "github.com/glassbridge/glassbridge"

// Metrics holds all OpenTelemetry metric instruments for the broker.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StreamCreateDuration tracks provider stream establishment latency.
	// Attributes: provider, kind, status.
	StreamCreateDuration metric.Float64Histogram

	// DeliveryDuration tracks result fan-out latency to subscribed Apps.
	DeliveryDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// AudioFrames counts audio frames entering the session audio path.
	AudioFrames metric.Int64Counter

	// StreamRetries counts provider stream creation retries. Attributes:
	// provider, kind.
	StreamRetries metric.Int64Counter

	// ProviderErrors counts provider failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// DeliveryFailures counts per-App delivery failures. Attribute: package.
	DeliveryFailures metric.Int64Counter

	// Results counts provider results relayed. Attributes: kind, final.
	Results metric.Int64Counter

	// BridgeReconnects counts media-bridge reconnection attempts.
	BridgeReconnects metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live user sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveStreams tracks the number of live provider streams. Attribute:
	// kind.
	ActiveStreams metric.Int64UpDownCounter

	// ActiveAppConnections tracks connected App backends across sessions.
	ActiveAppConnections metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// stream-establishment and delivery latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StreamCreateDuration, err = m.Float64Histogram("glassbridge.stream.create.duration",
		metric.WithDescription("Latency of provider stream establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DeliveryDuration, err = m.Float64Histogram("glassbridge.delivery.duration",
		metric.WithDescription("Latency of result fan-out to subscribed Apps."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("glassbridge.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.AudioFrames, err = m.Int64Counter("glassbridge.audio.frames",
		metric.WithDescription("Audio frames entering the session audio path."),
	); err != nil {
		return nil, err
	}
	if met.StreamRetries, err = m.Int64Counter("glassbridge.stream.retries",
		metric.WithDescription("Provider stream creation retries."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("glassbridge.provider.errors",
		metric.WithDescription("Provider failures by provider and stream kind."),
	); err != nil {
		return nil, err
	}
	if met.DeliveryFailures, err = m.Int64Counter("glassbridge.delivery.failures",
		metric.WithDescription("Per-App delivery failures."),
	); err != nil {
		return nil, err
	}
	if met.Results, err = m.Int64Counter("glassbridge.stream.results",
		metric.WithDescription("Provider results relayed to subscribers."),
	); err != nil {
		return nil, err
	}
	if met.BridgeReconnects, err = m.Int64Counter("glassbridge.bridge.reconnects",
		metric.WithDescription("Media-bridge reconnection attempts."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("glassbridge.sessions.active",
		metric.WithDescription("Live user sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("glassbridge.streams.active",
		metric.WithDescription("Live provider streams."),
	); err != nil {
		return nil, err
	}
	if met.ActiveAppConnections, err = m.Int64UpDownCounter("glassbridge.appconns.active",
		metric.WithDescription("Connected App backends."),
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

// RecordStreamRetry records one stream creation retry.
func (m *Metrics) RecordStreamRetry(ctx context.Context, provider, kind string) {
	m.StreamRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordProviderError records one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}

// RecordStreamCreate records a stream establishment attempt's latency and
// outcome.
func (m *Metrics) RecordStreamCreate(ctx context.Context, provider, kind, status string, seconds float64) {
	m.StreamCreateDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

// RecordDeliveryFailure records one failed delivery to an App.
func (m *Metrics) RecordDeliveryFailure(ctx context.Context, packageName string) {
	m.DeliveryFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("package", packageName),
	))
}

// RecordResult records one relayed provider result.
func (m *Metrics) RecordResult(ctx context.Context, kind string, final bool) {
	m.Results.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("final", final),
	))
}
