// Package observe provides application-wide observability primitives for
// voicecore: OpenTelemetry metrics, per-call tracing, and structured logging
// helpers.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name for all voicecore metrics.
const meterName = "github.com/telvana/voicecore"

// Metrics holds all OpenTelemetry metric instruments for the voice pipeline.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTFinalLatency tracks utterance-end → final-transcript latency.
	STTFinalLatency metric.Float64Histogram

	// LLMFirstToken tracks dispatch → first streamed token latency.
	LLMFirstToken metric.Float64Histogram

	// TTSFirstAudio tracks sentence emission → first synthesized byte latency.
	TTSFirstAudio metric.Float64Histogram

	// FirstAudioEndToEnd tracks final transcript → first outbound audio byte.
	// This is the headline sentence-to-audio latency.
	FirstAudioEndToEnd metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Attributes:
	//   provider, kind ("stt"|"llm"|"tts"), status ("ok"|"error").
	ProviderRequests metric.Int64Counter

	// IngressDrops counts frames dropped by the jitter buffer.
	IngressDrops metric.Int64Counter

	// OutputUnderruns counts egress pacing underruns.
	OutputUnderruns metric.Int64Counter

	// BargeIns counts caller interruptions of agent speech.
	BargeIns metric.Int64Counter

	// StageRestarts counts supervised stage-worker restarts. Attribute: stage.
	StageRestarts metric.Int64Counter

	// TurnsFailed counts per-turn failures recovered with a fallback
	// utterance. Attribute: kind ("llm"|"tts").
	TurnsFailed metric.Int64Counter

	// EventsDropped counts events discarded by the bounded event bus.
	EventsDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for sub-second voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 0.8, 1.5, 3, 8,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTFinalLatency, err = m.Float64Histogram("voicecore.stt.final_latency",
		metric.WithDescription("Latency from utterance end to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("voicecore.llm.first_token",
		metric.WithDescription("Latency from LLM dispatch to first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstAudio, err = m.Float64Histogram("voicecore.tts.first_audio",
		metric.WithDescription("Latency from sentence emission to first synthesized byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioEndToEnd, err = m.Float64Histogram("voicecore.turn.first_audio",
		metric.WithDescription("Latency from final transcript to first outbound audio byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voicecore.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.IngressDrops, err = m.Int64Counter("voicecore.ingress.drops",
		metric.WithDescription("Frames dropped by the jitter buffer."),
	); err != nil {
		return nil, err
	}
	if met.OutputUnderruns, err = m.Int64Counter("voicecore.egress.underruns",
		metric.WithDescription("Outbound pacing underruns."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voicecore.turn.barge_ins",
		metric.WithDescription("Caller interruptions of agent speech."),
	); err != nil {
		return nil, err
	}
	if met.StageRestarts, err = m.Int64Counter("voicecore.session.stage_restarts",
		metric.WithDescription("Supervised stage-worker restarts by stage."),
	); err != nil {
		return nil, err
	}
	if met.TurnsFailed, err = m.Int64Counter("voicecore.turn.failed",
		metric.WithDescription("Per-turn failures recovered with a fallback utterance."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("voicecore.events.dropped",
		metric.WithDescription("Events discarded by the bounded event bus."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voicecore.active_calls",
		metric.WithDescription("Number of live call sessions."),
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordStageRestart records a supervised stage restart.
func (m *Metrics) RecordStageRestart(ctx context.Context, stage string) {
	m.StageRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordTurnFailed records a recovered per-turn failure by kind.
func (m *Metrics) RecordTurnFailed(ctx context.Context, kind string) {
	m.TurnsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
