// Package observe provides observability primitives for sysaudio:
// OpenTelemetry metrics, tracing, trace-correlated logging and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [NewProvider] so they can be scraped from
// /metrics. Far-end exchange counters are observed from [farend.Stats]
// snapshots in a collection callback, so the audio hot path never touches
// OTel. Tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/sysaudio/pkg/audio/farend"
)

// meterName is the instrumentation scope name used for all sysaudio metrics.
const meterName = "github.com/MrWong99/sysaudio"

// Metrics holds the synchronous OpenTelemetry instruments of the service.
// Exchange counters are registered separately via [Metrics.ObserveExchange].
type Metrics struct {
	meter metric.Meter

	// --- Reference tap ---

	// ReferenceDelay tracks the echo delay of frames returned by Take.
	ReferenceDelay metric.Float64Histogram

	// FarEndLevel reports the RMS level of the last far-end frame in dBFS.
	FarEndLevel metric.Float64Gauge

	// --- Backend ---

	// BackendOpens counts capture stream opens. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	BackendOpens metric.Int64Counter

	// --- WebSocket delivery ---

	// StreamClients tracks connected far-end WebSocket clients.
	StreamClients metric.Int64UpDownCounter

	// StreamDropped counts frames dropped because a client fell behind.
	StreamDropped metric.Int64Counter

	// --- Config ---

	// ConfigReloads counts applied config file changes.
	ConfigReloads metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// delayBuckets spans 0 to the maximum echo delay, in seconds.
var delayBuckets = []float64{
	0.005, 0.01, 0.02, 0.03, 0.05, 0.075, 0.1, 0.15, 0.25, 0.5, 0.75, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.ReferenceDelay, err = m.Float64Histogram("sysaudio.reference.delay",
		metric.WithDescription("Echo delay of far-end frames consumed by the reference tap."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(delayBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FarEndLevel, err = m.Float64Gauge("sysaudio.farend.level",
		metric.WithDescription("RMS level of the most recent far-end frame."),
		metric.WithUnit("dBFS"),
	); err != nil {
		return nil, err
	}
	if met.BackendOpens, err = m.Int64Counter("sysaudio.backend.opens",
		metric.WithDescription("Capture stream open attempts by backend and status."),
	); err != nil {
		return nil, err
	}
	if met.StreamClients, err = m.Int64UpDownCounter("sysaudio.stream.clients",
		metric.WithDescription("Number of connected far-end WebSocket clients."),
	); err != nil {
		return nil, err
	}
	if met.StreamDropped, err = m.Int64Counter("sysaudio.stream.dropped",
		metric.WithDescription("Far-end frames dropped for slow WebSocket clients."),
	); err != nil {
		return nil, err
	}
	if met.ConfigReloads, err = m.Int64Counter("sysaudio.config.reloads",
		metric.WithDescription("Applied configuration file changes."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("sysaudio.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ExchangeSource is what [Metrics.ObserveExchange] reads on every collection.
// *capture.Hub satisfies it.
type ExchangeSource interface {
	Stats() farend.Stats
	Pending() int
	ActiveCount() int
	Forwarded() uint64
}

// ObserveExchange registers observable instruments that snapshot src on each
// collection. Unregister the returned registration when src goes away.
func (m *Metrics) ObserveExchange(src ExchangeSource) (metric.Registration, error) {
	frames, err := m.meter.Int64ObservableCounter("sysaudio.farend.frames",
		metric.WithDescription("Far-end frames by outcome."),
	)
	if err != nil {
		return nil, err
	}
	pending, err := m.meter.Int64ObservableGauge("sysaudio.farend.pending",
		metric.WithDescription("Frames currently buffered in the far-end ring."),
	)
	if err != nil {
		return nil, err
	}
	active, err := m.meter.Int64ObservableGauge("sysaudio.capture.active",
		metric.WithDescription("Number of started capture sessions."),
	)
	if err != nil {
		return nil, err
	}
	forwarded, err := m.meter.Int64ObservableCounter("sysaudio.capture.forwarded",
		metric.WithDescription("Chunks handed to the delivery callback."),
	)
	if err != nil {
		return nil, err
	}

	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := src.Stats()
		for _, c := range []struct {
			outcome string
			n       uint64
		}{
			{"pushed", s.Pushed},
			{"rejected", s.Rejected},
			{"dropped", s.Dropped},
			{"delivered", s.Delivered},
			{"skipped_stale", s.SkippedStale},
			{"held", s.Held},
		} {
			o.ObserveInt64(frames, int64(c.n), metric.WithAttributes(attribute.String("outcome", c.outcome)))
		}
		o.ObserveInt64(pending, int64(src.Pending()))
		o.ObserveInt64(active, int64(src.ActiveCount()))
		o.ObserveInt64(forwarded, int64(src.Forwarded()))
		return nil
	}, frames, pending, active, forwarded)
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// RecordReference records one frame consumed by the reference tap.
func (m *Metrics) RecordReference(ctx context.Context, delaySeconds, levelDBFS float64) {
	m.ReferenceDelay.Record(ctx, delaySeconds)
	m.FarEndLevel.Record(ctx, levelDBFS)
}

// RecordBackendOpen records a capture stream open attempt.
func (m *Metrics) RecordBackendOpen(ctx context.Context, backend, status string) {
	m.BackendOpens.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}
