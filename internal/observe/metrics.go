// Package observe provides application-wide observability primitives for
// clovoice: OpenTelemetry metrics, distributed tracing, structured logging
// helpers and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all clovoice metrics.
const meterName = "github.com/MrWong99/clovoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks generative backend latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// PlaybackDuration tracks how long a playback call held the speaker. Use
	// with attribute.String("kind", "buffer"|"stream").
	PlaybackDuration metric.Float64Histogram

	// CaptureDuration tracks how long a microphone capture call ran.
	CaptureDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// SkillDispatches counts skill hits. Use with attributes:
	//   attribute.String("skill", ...), attribute.String("stage", "pre"|"post")
	SkillDispatches metric.Int64Counter

	// QueueRejections counts items rejected by the interrupt queue filter.
	QueueRejections metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// TranscodeErrors counts failed converter runs. Use with attribute:
	//   attribute.String("stage", ...)
	TranscodeErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCaptures is 1 while the microphone is being read.
	ActiveCaptures metric.Int64UpDownCounter

	// RemoteClients tracks connected remote control-plane clients.
	RemoteClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	meter metric.Meter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// playbackBuckets covers short confirmations up to full songs.
var playbackBuckets = []float64{
	0.5, 1, 2.5, 5, 10, 30, 60, 180, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("clovoice.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("clovoice.llm.duration",
		metric.WithDescription("Latency of the generative backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("clovoice.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDuration, err = m.Float64Histogram("clovoice.playback.duration",
		metric.WithDescription("Wall time of a playback call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(playbackBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CaptureDuration, err = m.Float64Histogram("clovoice.capture.duration",
		metric.WithDescription("Wall time of a microphone capture call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(playbackBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("clovoice.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.SkillDispatches, err = m.Int64Counter("clovoice.skill.dispatches",
		metric.WithDescription("Total utterances or replies handled by a skill."),
	); err != nil {
		return nil, err
	}
	if met.QueueRejections, err = m.Int64Counter("clovoice.queue.rejections",
		metric.WithDescription("Total queue items dropped by the empty-text filter."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("clovoice.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.TranscodeErrors, err = m.Int64Counter("clovoice.transcode.errors",
		metric.WithDescription("Total converter process failures by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCaptures, err = m.Int64UpDownCounter("clovoice.active_captures",
		metric.WithDescription("Number of microphone captures in flight."),
	); err != nil {
		return nil, err
	}
	if met.RemoteClients, err = m.Int64UpDownCounter("clovoice.remote.clients",
		metric.WithDescription("Number of connected remote control clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("clovoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RegisterQueueDepth registers an observable gauge reporting the value of
// depth at every collection. It is typically wired to the interrupt queue's
// Len method.
func (m *Metrics) RegisterQueueDepth(depth func() int) error {
	_, err := m.meter.Int64ObservableGauge("clovoice.queue.depth",
		metric.WithDescription("Number of items waiting in the interrupt queue."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(depth()))
			return nil
		}),
	)
	return err
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSkillDispatch records that skill answered at the given stage.
func (m *Metrics) RecordSkillDispatch(ctx context.Context, skill, stage string) {
	m.SkillDispatches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("skill", skill),
			attribute.String("stage", stage),
		),
	)
}

// RecordTranscodeError records a failed converter run.
func (m *Metrics) RecordTranscodeError(ctx context.Context, stage string) {
	m.TranscodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordPlayback records the wall time of a playback call in seconds.
func (m *Metrics) RecordPlayback(ctx context.Context, kind string, seconds float64) {
	m.PlaybackDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("kind", kind)))
}
