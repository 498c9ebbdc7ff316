// Package observe provides application-wide observability primitives for
// civiclerk: OpenTelemetry metrics, tracing, and structured logging helpers.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so long-running pipeline
// invocations can be scraped via the standard /metrics endpoint. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all civiclerk metrics.
const meterName = "github.com/opencivics/civiclerk"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// StageDuration tracks per-meeting wall time by pipeline stage. Use with
	// attributes:
	//   attribute.String("stage", ...), attribute.String("status", ...)
	StageDuration metric.Float64Histogram

	// LLMDuration tracks single LLM call latency. Use with attributes:
	//   attribute.String("model", ...), attribute.String("purpose", ...)
	LLMDuration metric.Float64Histogram

	// MeetingsProcessed counts meetings completed per stage. Use with
	// attributes:
	//   attribute.String("stage", ...), attribute.String("status", ...)
	MeetingsProcessed metric.Int64Counter

	// LLMRequests counts LLM calls. Use with attributes:
	//   attribute.String("model", ...), attribute.String("purpose", ...),
	//   attribute.String("status", ...)
	LLMRequests metric.Int64Counter

	// LLMTokens counts tokens consumed. Use with attributes:
	//   attribute.String("model", ...), attribute.String("direction", "prompt"|"completion")
	LLMTokens metric.Int64Counter

	// DiscoveryProbes counts clip page probes. Use with attribute:
	//   attribute.String("outcome", "new"|"existing"|"updated"|"missing"|"error")
	DiscoveryProbes metric.Int64Counter
}

// stageBuckets defines histogram bucket boundaries (in seconds) sized for
// batch stages: downloads and transcriptions run minutes to hours.
var stageBuckets = []float64{
	1, 5, 15, 60, 300, 900, 1800, 3600, 7200,
}

// llmBuckets defines bucket boundaries (in seconds) for single LLM calls.
var llmBuckets = []float64{
	0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("civiclerk.stage.duration",
		metric.WithDescription("Per-meeting wall time by pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("civiclerk.llm.duration",
		metric.WithDescription("Latency of individual LLM calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(llmBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MeetingsProcessed, err = m.Int64Counter("civiclerk.meetings.processed",
		metric.WithDescription("Meetings completed per stage and status."),
	); err != nil {
		return nil, err
	}
	if met.LLMRequests, err = m.Int64Counter("civiclerk.llm.requests",
		metric.WithDescription("Total LLM calls by model, purpose, and status."),
	); err != nil {
		return nil, err
	}
	if met.LLMTokens, err = m.Int64Counter("civiclerk.llm.tokens",
		metric.WithDescription("Tokens consumed by model and direction."),
	); err != nil {
		return nil, err
	}
	if met.DiscoveryProbes, err = m.Int64Counter("civiclerk.discovery.probes",
		metric.WithDescription("Clip page probes by outcome."),
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

// RecordStage records one meeting passing through a stage: its duration and
// the processed counter, with the standard attribute set.
func (m *Metrics) RecordStage(ctx context.Context, stage, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	)
	m.StageDuration.Record(ctx, seconds, attrs)
	m.MeetingsProcessed.Add(ctx, 1, attrs)
}

// RecordLLMRequest records one LLM call with its latency and token usage.
func (m *Metrics) RecordLLMRequest(ctx context.Context, model, purpose, status string, seconds float64, promptTokens, completionTokens int) {
	m.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("purpose", purpose),
		attribute.String("status", status),
	))
	m.LLMDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("purpose", purpose),
	))
	if promptTokens > 0 {
		m.LLMTokens.Add(ctx, int64(promptTokens), metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("direction", "prompt"),
		))
	}
	if completionTokens > 0 {
		m.LLMTokens.Add(ctx, int64(completionTokens), metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("direction", "completion"),
		))
	}
}

// RecordDiscoveryProbe records one clip page probe outcome.
func (m *Metrics) RecordDiscoveryProbe(ctx context.Context, outcome string) {
	m.DiscoveryProbes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
