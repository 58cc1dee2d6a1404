// Package observe provides application-wide observability primitives for
// fablevoice: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all fablevoice metrics.
const meterName = "github.com/MrWong99/fablevoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Synthesis provider ---

	// ProviderDuration tracks provider call latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("op", ...)
	ProviderDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("op", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Voice lifecycle ---

	// ClonesCreated counts voice clones created at the provider and
	// registered.
	ClonesCreated metric.Int64Counter

	// CloneReuses counts ensure-voice calls served from the registry.
	CloneReuses metric.Int64Counter

	// Evictions counts least-recently-used clones evicted to free a slot.
	Evictions metric.Int64Counter

	// --- Narration ---

	// CacheHits counts narrations served from the audio cache.
	CacheHits metric.Int64Counter

	// CacheMisses counts narrations that required synthesis.
	CacheMisses metric.Int64Counter

	// QuotaRejections counts narrations refused because the monthly quota
	// would be exceeded.
	QuotaRejections metric.Int64Counter

	// MinutesDebited accumulates estimated narration minutes charged to the
	// monthly quota.
	MinutesDebited metric.Float64Counter

	// QuotaResets counts monthly quota resets.
	QuotaResets metric.Int64Counter

	// --- Consistency repair ---

	// Compensations counts compensating deletes. Use with attributes:
	//   attribute.String("target", ...), attribute.String("status", ...)
	Compensations metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time by method,
	// matched route pattern and status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// remote synthesis calls, which range from sub-second deletes to
// multi-minute clone uploads.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ProviderDuration, err = m.Float64Histogram("fablevoice.provider.duration",
		metric.WithDescription("Latency of synthesis provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("fablevoice.provider.requests",
		metric.WithDescription("Total provider API requests by provider, operation, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("fablevoice.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("fablevoice.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions by breaker and target state."),
	); err != nil {
		return nil, err
	}

	if met.ClonesCreated, err = m.Int64Counter("fablevoice.voice.clones_created",
		metric.WithDescription("Voice clones created and registered."),
	); err != nil {
		return nil, err
	}
	if met.CloneReuses, err = m.Int64Counter("fablevoice.voice.reuses",
		metric.WithDescription("Ensure-voice requests served by an existing clone."),
	); err != nil {
		return nil, err
	}
	if met.Evictions, err = m.Int64Counter("fablevoice.voice.evictions",
		metric.WithDescription("Least-recently-used voice clones evicted."),
	); err != nil {
		return nil, err
	}

	if met.CacheHits, err = m.Int64Counter("fablevoice.narration.cache_hits",
		metric.WithDescription("Narrations served from the audio cache."),
	); err != nil {
		return nil, err
	}
	if met.CacheMisses, err = m.Int64Counter("fablevoice.narration.cache_misses",
		metric.WithDescription("Narrations that required synthesis."),
	); err != nil {
		return nil, err
	}
	if met.QuotaRejections, err = m.Int64Counter("fablevoice.narration.quota_rejections",
		metric.WithDescription("Narrations refused by the monthly quota."),
	); err != nil {
		return nil, err
	}
	if met.MinutesDebited, err = m.Float64Counter("fablevoice.narration.minutes",
		metric.WithDescription("Estimated narration minutes charged to the quota."),
		metric.WithUnit("min"),
	); err != nil {
		return nil, err
	}
	if met.QuotaResets, err = m.Int64Counter("fablevoice.narration.quota_resets",
		metric.WithDescription("Monthly quota resets."),
	); err != nil {
		return nil, err
	}

	if met.Compensations, err = m.Int64Counter("fablevoice.compensations",
		metric.WithDescription("Compensating deletes by target and outcome."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("fablevoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, op, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("op", op),
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

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}

// RecordCompensation records a compensating delete and its outcome.
func (m *Metrics) RecordCompensation(ctx context.Context, target string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Compensations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("target", target),
			attribute.String("status", status),
		),
	)
}
