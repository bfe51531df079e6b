package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ResourceMetrics contains Prometheus metrics for resource lifecycles
type ResourceMetrics struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	liveResources   *prometheus.GaugeVec
	hookFailures    *prometheus.CounterVec
	deferredRetries *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	invariantErrors *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewResourceMetrics creates and registers resource lifecycle metrics
func NewResourceMetrics(registry *prometheus.Registry) (*ResourceMetrics, error) {
	m := &ResourceMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ResourceMetrics) initMetrics() {
	m.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankstream_resource_transitions_total",
			Help: "State machine transitions by source and target state",
		},
		[]string{"from", "to"},
	)

	m.liveResources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bankstream_resource_live",
			Help: "Resources currently present in a registry",
		},
		[]string{"kind"},
	)

	m.hookFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankstream_resource_hook_failures_total",
			Help: "Open or load hooks that reported failure",
		},
		[]string{"kind", "hook"},
	)

	m.deferredRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankstream_resource_deferred_retries_total",
			Help: "Operations pushed to the deferred retry queue",
		},
		[]string{"step"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bankstream_resource_request_duration_seconds",
			Help:    "Time from a load or unload request to its callback",
			Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount15),
		},
		[]string{"kind", "op", "result"},
	)

	m.invariantErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankstream_resource_invariant_violations_total",
			Help: "Detected invariant violations such as duplicate IDs",
		},
		[]string{"violation"},
	)

	m.collectors = []prometheus.Collector{
		m.transitions,
		m.liveResources,
		m.hookFailures,
		m.deferredRetries,
		m.requestDuration,
		m.invariantErrors,
	}
}

// Describe implements the Collector interface
func (m *ResourceMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *ResourceMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

func (m *ResourceMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *ResourceMetrics) AddLive(kind string, delta int) {
	if m == nil {
		return
	}
	m.liveResources.WithLabelValues(kind).Add(float64(delta))
}

func (m *ResourceMetrics) RecordHookFailure(kind, hook string) {
	if m == nil {
		return
	}
	m.hookFailures.WithLabelValues(kind, hook).Inc()
}

func (m *ResourceMetrics) RecordDeferredRetry(step string) {
	if m == nil {
		return
	}
	m.deferredRetries.WithLabelValues(step).Inc()
}

func (m *ResourceMetrics) RecordRequest(kind, op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(kind, op, result).Observe(d.Seconds())
}

func (m *ResourceMetrics) RecordInvariantViolation(violation string) {
	if m == nil {
		return
	}
	m.invariantErrors.WithLabelValues(violation).Inc()
}
