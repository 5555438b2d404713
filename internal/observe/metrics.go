// Package observe provides the observability primitives for consultia:
// OpenTelemetry metrics, tracing, trace-aware logging and the HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported for
// Prometheus scraping via [InitProvider]. Tests should use [NewMetrics] with
// their own [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/consultia"

// Metrics holds all metric instruments for the application.
type Metrics struct {
	// --- Channels ---

	// FramesSent counts audio frames written to the STT channel.
	FramesSent metric.Int64Counter

	// FramesDropped counts audio frames discarded because the STT channel was
	// not open.
	FramesDropped metric.Int64Counter

	// ChannelTransitions counts connection state changes. Attributes:
	//   attribute.String("channel", ...), attribute.String("state", ...)
	ChannelTransitions metric.Int64Counter

	// Reconnects counts scheduled reconnect attempts per channel.
	Reconnects metric.Int64Counter

	// InboundEvents counts decoded server events. Attributes:
	//   attribute.String("channel", ...), attribute.String("kind", ...)
	InboundEvents metric.Int64Counter

	// --- Reconciler ---

	// FieldDeltas counts field deltas by result ("applied" or "rejected").
	FieldDeltas metric.Int64Counter

	// RecordCompletion is the last computed completion percentage of the
	// clinical record.
	RecordCompletion metric.Int64Gauge

	// --- Extraction ---

	// ExtractionDuration tracks document extraction latency.
	ExtractionDuration metric.Float64Histogram

	// ExtractionRequests counts uploads by status ("ok", "error",
	// "rejected", "circuit_open").
	ExtractionRequests metric.Int64Counter

	// BreakerState reports the extraction circuit breaker state
	// (0 closed, 1 open, 2 half-open).
	BreakerState metric.Int64Gauge

	// --- Config ---

	// ConfigReloads counts applied hot reloads.
	ConfigReloads metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds. Extraction of a scanned
// PDF can take tens of seconds.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Channels.
	if met.FramesSent, err = m.Int64Counter("consultia.audio.frames_sent",
		metric.WithDescription("Audio frames written to the STT channel."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("consultia.audio.frames_dropped",
		metric.WithDescription("Audio frames dropped while the STT channel was not open."),
	); err != nil {
		return nil, err
	}
	if met.ChannelTransitions, err = m.Int64Counter("consultia.channel.transitions",
		metric.WithDescription("Connection state transitions by channel and new state."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("consultia.channel.reconnects",
		metric.WithDescription("Scheduled reconnect attempts by channel."),
	); err != nil {
		return nil, err
	}
	if met.InboundEvents, err = m.Int64Counter("consultia.channel.events",
		metric.WithDescription("Decoded inbound events by channel and kind."),
	); err != nil {
		return nil, err
	}

	// Reconciler.
	if met.FieldDeltas, err = m.Int64Counter("consultia.reconciler.deltas",
		metric.WithDescription("Field deltas by result."),
	); err != nil {
		return nil, err
	}
	if met.RecordCompletion, err = m.Int64Gauge("consultia.record.completion",
		metric.WithDescription("Completion of the clinical record."),
		metric.WithUnit("%"),
	); err != nil {
		return nil, err
	}

	// Extraction.
	if met.ExtractionDuration, err = m.Float64Histogram("consultia.extraction.duration",
		metric.WithDescription("Latency of document extraction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExtractionRequests, err = m.Int64Counter("consultia.extraction.requests",
		metric.WithDescription("Document extraction requests by status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerState, err = m.Int64Gauge("consultia.extraction.breaker_state",
		metric.WithDescription("Extraction circuit breaker state: 0 closed, 1 open, 2 half-open."),
	); err != nil {
		return nil, err
	}

	if met.ConfigReloads, err = m.Int64Counter("consultia.config.reloads",
		metric.WithDescription("Applied configuration reloads."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("consultia.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTransition counts a channel entering state.
func (m *Metrics) RecordTransition(ctx context.Context, channel, state string) {
	m.ChannelTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("state", state),
		),
	)
	if state == "reconnecting" {
		m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	}
}

// RecordEvent counts one decoded inbound event.
func (m *Metrics) RecordEvent(ctx context.Context, channel, kind string) {
	m.InboundEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("kind", kind),
		),
	)
}

// RecordFrame counts one audio frame as sent or dropped.
func (m *Metrics) RecordFrame(ctx context.Context, sent bool) {
	if sent {
		m.FramesSent.Add(ctx, 1)
		return
	}
	m.FramesDropped.Add(ctx, 1)
}

// RecordDeltas counts applied and rejected field deltas.
func (m *Metrics) RecordDeltas(ctx context.Context, applied, rejected int) {
	if applied > 0 {
		m.FieldDeltas.Add(ctx, int64(applied), metric.WithAttributes(attribute.String("result", "applied")))
	}
	if rejected > 0 {
		m.FieldDeltas.Add(ctx, int64(rejected), metric.WithAttributes(attribute.String("result", "rejected")))
	}
}

// RecordExtraction records the latency and outcome of one extraction.
func (m *Metrics) RecordExtraction(ctx context.Context, seconds float64, status string) {
	m.ExtractionDuration.Record(ctx, seconds)
	m.ExtractionRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
