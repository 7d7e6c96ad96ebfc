// Package observe provides application-wide observability primitives for
// the Continuum core: OpenTelemetry metrics with a Prometheus exporter
// bridge. The exporter registers with the default Prometheus registry;
// this package serves no HTTP /metrics endpoint itself.
//
// A package-level default [Metrics] instance ([Default]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all core metrics.
const meterName = "github.com/continuumrt/continuum"

// Metrics holds all OpenTelemetry metric instruments for the runtime.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// CommandDuration tracks IPC command dispatch latency per module.
	CommandDuration metric.Float64Histogram

	// CommandCount counts dispatched commands. Attributes: module, status.
	CommandCount metric.Int64Counter

	// EventsPublished counts bus publishes. Attribute: event.
	EventsPublished metric.Int64Counter

	// InferenceDuration tracks model generation latency.
	InferenceDuration metric.Float64Histogram

	// InferenceTokens counts generated tokens.
	InferenceTokens metric.Int64Counter

	// PipelineStepDuration tracks sentinel step latency. Attribute: step.
	PipelineStepDuration metric.Float64Histogram

	// VoiceStageDuration tracks per-stage voice latency (vad, stt, tts).
	VoiceStageDuration metric.Float64Histogram

	// ActiveHandles tracks live long-running operation handles.
	ActiveHandles metric.Int64UpDownCounter

	// ActivePersonas tracks registered persona schedulers.
	ActivePersonas metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// IPC and voice-pipeline latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates all instruments on the given provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.CommandDuration, err = meter.Float64Histogram(
		"continuum_command_duration_seconds",
		metric.WithDescription("IPC command dispatch latency"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.CommandCount, err = meter.Int64Counter(
		"continuum_commands_total",
		metric.WithDescription("Dispatched IPC commands"),
	); err != nil {
		return nil, err
	}
	if m.EventsPublished, err = meter.Int64Counter(
		"continuum_events_published_total",
		metric.WithDescription("Events published on the bus"),
	); err != nil {
		return nil, err
	}
	if m.InferenceDuration, err = meter.Float64Histogram(
		"continuum_inference_duration_seconds",
		metric.WithDescription("Model generation latency"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.InferenceTokens, err = meter.Int64Counter(
		"continuum_inference_tokens_total",
		metric.WithDescription("Generated tokens"),
	); err != nil {
		return nil, err
	}
	if m.PipelineStepDuration, err = meter.Float64Histogram(
		"continuum_pipeline_step_duration_seconds",
		metric.WithDescription("Sentinel pipeline step latency"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.VoiceStageDuration, err = meter.Float64Histogram(
		"continuum_voice_stage_duration_seconds",
		metric.WithDescription("Voice pipeline stage latency"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if m.ActiveHandles, err = meter.Int64UpDownCounter(
		"continuum_active_handles",
		metric.WithDescription("Live operation handles"),
	); err != nil {
		return nil, err
	}
	if m.ActivePersonas, err = meter.Int64UpDownCounter(
		"continuum_active_personas",
		metric.WithDescription("Registered persona schedulers"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordCommand records one command dispatch outcome.
func (m *Metrics) RecordCommand(ctx context.Context, module, command string, success bool, dur time.Duration) {
	status := "ok"
	if !success {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("module", module),
		attribute.String("status", status),
	)
	m.CommandDuration.Record(ctx, dur.Seconds(), attrs)
	m.CommandCount.Add(ctx, 1, attrs)
	_ = command
}

// RecordEvent records one bus publish.
func (m *Metrics) RecordEvent(ctx context.Context, name string) {
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("event", topLevelSegment(name))))
}

// RecordVoiceStage records one voice pipeline stage completion.
func (m *Metrics) RecordVoiceStage(ctx context.Context, stage string, dur time.Duration) {
	m.VoiceStageDuration.Record(ctx, dur.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// topLevelSegment keeps attribute cardinality bounded: only the first
// ':'-segment of an event name becomes a label.
func topLevelSegment(name string) string {
	for i := range len(name) {
		if name[i] == ':' {
			return name[:i]
		}
	}
	return name
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the package-level Metrics built on the global OTel meter
// provider. The first call creates the instruments.
func Default() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation only fails on malformed instrument
			// definitions, which is a programming error.
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
