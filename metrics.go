package fanout

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for loader calls, the cache,
// the coalescer and the credential manager. All methods are nil-safe so a
// nil collector disables metrics.
type MetricsCollector struct {
	loaderCalls      *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	upstreamInFlight *prometheus.GaugeVec

	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	cacheOpTime  *prometheus.HistogramVec
	slowOpsTotal *prometheus.CounterVec

	coalescedTotal *prometheus.CounterVec
	throttleWait   *prometheus.HistogramVec

	credentialRefreshes *prometheus.CounterVec
	circuitState        *prometheus.GaugeVec

	registry prometheus.Registerer
}

// NewMetricsCollector registers collectors on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry registers collectors on registry.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	f := promauto.With(registry)
	return &MetricsCollector{
		loaderCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_loader_calls_total",
				Help: "Loader calls by endpoint and outcome kind",
			},
			[]string{"endpoint", "kind"},
		),
		upstreamDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fanout_upstream_request_duration_seconds",
				Help:    "Duration of upstream HTTP calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "endpoint"},
		),
		upstreamInFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fanout_upstream_requests_in_flight",
				Help: "Upstream HTTP calls currently in flight",
			},
			[]string{"service"},
		),
		cacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_cache_hits_total",
				Help: "Cache Store hits",
			},
			[]string{"namespace"},
		),
		cacheMisses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_cache_misses_total",
				Help: "Cache Store misses, expired entries and retrieval timeouts included",
			},
			[]string{"namespace"},
		),
		cacheOpTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fanout_cache_operation_duration_seconds",
				Help:    "Duration of Cache Store operations",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5},
			},
			[]string{"op"},
		),
		slowOpsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_slow_operations_total",
				Help: "Operations slower than the configured threshold",
			},
			[]string{"kind"},
		),
		coalescedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_coalesced_calls_total",
				Help: "Calls that attached to an in-flight or lingering call",
			},
			[]string{"endpoint"},
		),
		throttleWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fanout_throttle_wait_seconds",
				Help:    "Time dispatches spent waiting for the endpoint throttle interval",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		credentialRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fanout_credential_refreshes_total",
				Help: "Application credential refresh attempts by result",
			},
			[]string{"result"},
		),
		circuitState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fanout_circuit_breaker_state",
				Help: "Circuit breaker state per service (0=closed, 1=open, 2=half-open)",
			},
			[]string{"service"},
		),
		registry: registry,
	}
}

// RecordLoaderCall counts one loader outcome. A nil err counts as "ok".
func (mc *MetricsCollector) RecordLoaderCall(endpoint string, err error) {
	if mc == nil {
		return
	}
	kind := "ok"
	if err != nil {
		kind = KindOf(err).String()
	}
	mc.loaderCalls.WithLabelValues(endpoint, kind).Inc()
}

// RecordUpstreamStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordUpstreamStart(service string) {
	if mc == nil {
		return
	}
	mc.upstreamInFlight.WithLabelValues(service).Inc()
}

// RecordUpstreamEnd decrements the in-flight gauge and observes duration.
func (mc *MetricsCollector) RecordUpstreamEnd(service, endpoint string, d time.Duration) {
	if mc == nil {
		return
	}
	mc.upstreamInFlight.WithLabelValues(service).Dec()
	mc.upstreamDuration.WithLabelValues(service, endpoint).Observe(d.Seconds())
}

// RecordCacheHit increments the hit counter.
func (mc *MetricsCollector) RecordCacheHit(namespace string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(namespace).Inc()
}

// RecordCacheMiss increments the miss counter.
func (mc *MetricsCollector) RecordCacheMiss(namespace string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(namespace).Inc()
}

// RecordCacheOperation observes the duration of a get, set or invalidate.
func (mc *MetricsCollector) RecordCacheOperation(op string, d time.Duration) {
	if mc == nil {
		return
	}
	mc.cacheOpTime.WithLabelValues(op).Observe(d.Seconds())
}

// RecordSlowOperation counts an operation above the slow threshold.
func (mc *MetricsCollector) RecordSlowOperation(kind string, _ time.Duration) {
	if mc == nil {
		return
	}
	mc.slowOpsTotal.WithLabelValues(kind).Inc()
}

// RecordCoalesced counts a call served by another caller's dispatch.
func (mc *MetricsCollector) RecordCoalesced(endpoint string) {
	if mc == nil {
		return
	}
	mc.coalescedTotal.WithLabelValues(endpoint).Inc()
}

// RecordThrottleWait observes time spent waiting on the throttle interval.
func (mc *MetricsCollector) RecordThrottleWait(endpoint string, d time.Duration) {
	if mc == nil {
		return
	}
	mc.throttleWait.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RecordCredentialRefresh counts a refresh attempt; result is "ok" or "error".
func (mc *MetricsCollector) RecordCredentialRefresh(result string) {
	if mc == nil {
		return
	}
	mc.credentialRefreshes.WithLabelValues(result).Inc()
}

// RecordCircuitBreakerState sets the breaker gauge for service.
func (mc *MetricsCollector) RecordCircuitBreakerState(service string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitState.WithLabelValues(service).Set(float64(state))
}

// Registerer exposes the registerer the collectors were registered on.
func (mc *MetricsCollector) Registerer() prometheus.Registerer {
	return mc.registry
}
