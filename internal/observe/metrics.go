// Package observe provides application-wide observability primitives for
// Dialtone: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Dialtone metrics.
const meterName = "github.com/MrWong99/dialtone"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ReplyDuration tracks response generation latency per completed turn.
	ReplyDuration metric.Float64Histogram

	// ControlDuration tracks call-control request latency. Use with attribute:
	//   attribute.String("kind", ...)
	ControlDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// CompletedTurns counts recognizer turns that started a reply cycle.
	CompletedTurns metric.Int64Counter

	// Replies counts finished reply cycles. Use with attribute:
	//   attribute.String("status", "ok"|"fallback"|"discarded")
	Replies metric.Int64Counter

	// BargeIns counts playback interruptions caused by caller speech.
	BargeIns metric.Int64Counter

	// RecognizerReconnects counts successful recognizer reconnections.
	RecognizerReconnects metric.Int64Counter

	// AudioFlushes counts pacing flushes forwarded to the recognizer.
	AudioFlushes metric.Int64Counter

	// AudioFlushedBytes counts PCM bytes forwarded to the recognizer.
	AudioFlushedBytes metric.Int64Counter

	// DroppedFrames counts inbound media frames that were discarded. Use with
	// attribute:
	//   attribute.String("reason", "decode"|"not_ready"|"send")
	DroppedFrames metric.Int64Counter

	// ControlInstructions counts call-control instructions. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("outcome", ...)
	ControlInstructions metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for telephony round-trip latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ReplyDuration, err = m.Float64Histogram("dialtone.reply.duration",
		metric.WithDescription("Latency of response generation per completed turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ControlDuration, err = m.Float64Histogram("dialtone.control.duration",
		metric.WithDescription("Latency of call-control requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("dialtone.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.CompletedTurns, err = m.Int64Counter("dialtone.turns.completed",
		metric.WithDescription("Total completed recognizer turns that started a reply."),
	); err != nil {
		return nil, err
	}
	if met.Replies, err = m.Int64Counter("dialtone.replies",
		metric.WithDescription("Total reply cycles by status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("dialtone.barge_ins",
		metric.WithDescription("Total playback interruptions caused by caller speech."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerReconnects, err = m.Int64Counter("dialtone.recognizer.reconnects",
		metric.WithDescription("Total successful recognizer reconnections."),
	); err != nil {
		return nil, err
	}
	if met.AudioFlushes, err = m.Int64Counter("dialtone.audio.flushes",
		metric.WithDescription("Total audio flushes forwarded to the recognizer."),
	); err != nil {
		return nil, err
	}
	if met.AudioFlushedBytes, err = m.Int64Counter("dialtone.audio.flushed_bytes",
		metric.WithDescription("Total PCM bytes forwarded to the recognizer."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("dialtone.audio.dropped_frames",
		metric.WithDescription("Total inbound media frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.ControlInstructions, err = m.Int64Counter("dialtone.control.instructions",
		metric.WithDescription("Total call-control instructions by kind and outcome."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("dialtone.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("dialtone.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("dialtone.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("dialtone.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordReply records a finished reply cycle and its latency.
func (m *Metrics) RecordReply(ctx context.Context, status string, d time.Duration) {
	m.Replies.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.ReplyDuration.Record(ctx, d.Seconds())
}

// RecordControl records a call-control instruction, its outcome and latency.
func (m *Metrics) RecordControl(ctx context.Context, kind, outcome string, d time.Duration) {
	m.ControlInstructions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		),
	)
	m.ControlDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFlush records one audio flush of n bytes.
func (m *Metrics) RecordFlush(ctx context.Context, n int) {
	m.AudioFlushes.Add(ctx, 1)
	m.AudioFlushedBytes.Add(ctx, int64(n))
}

// RecordDroppedFrame records one dropped media frame.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.DroppedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition records a circuit breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}
