package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// QueueMetrics contains Prometheus metrics for execution queues.
// The queue label is a queue class, not a per-instance name, to keep
// cardinality bounded.
type QueueMetrics struct {
	registry *prometheus.Registry

	opsEnqueued     *prometheus.CounterVec
	opsExecuted     *prometheus.CounterVec
	inlineFallbacks *prometheus.CounterVec
	workersLaunched *prometheus.CounterVec
	queuesClosed    *prometheus.CounterVec
	opDuration      *prometheus.HistogramVec

	collectors []prometheus.Collector
}

// NewQueueMetrics creates and registers execution queue metrics
func NewQueueMetrics(registry *prometheus.Registry) (*QueueMetrics, error) {
	m := &QueueMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *QueueMetrics) initMetrics() {
	m.opsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankstream_queue_ops_enqueued_total",
			Help: "Operations submitted to execution queues",
		},
		[]string{"queue"},
	)

	m.opsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankstream_queue_ops_executed_total",
			Help: "Operations executed by queue workers",
		},
		[]string{"queue"},
	)

	m.inlineFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankstream_queue_inline_fallback_total",
			Help: "Operations executed inline on the caller instead of a worker",
		},
		[]string{"queue", "reason"},
	)

	m.workersLaunched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankstream_queue_workers_launched_total",
			Help: "Worker launches after the queue was idle",
		},
		[]string{"queue"},
	)

	m.queuesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankstream_queue_closed_total",
			Help: "Queues that reached the Closed state",
		},
		[]string{"queue"},
	)

	m.opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bankstream_queue_op_duration_seconds",
			Help:    "Time spent executing a single queued operation",
			Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount15),
		},
		[]string{"queue"},
	)

	m.collectors = []prometheus.Collector{
		m.opsEnqueued,
		m.opsExecuted,
		m.inlineFallbacks,
		m.workersLaunched,
		m.queuesClosed,
		m.opDuration,
	}
}

// Describe implements the Collector interface
func (m *QueueMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *QueueMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

func (m *QueueMetrics) RecordEnqueued(queue string) {
	if m == nil {
		return
	}
	m.opsEnqueued.WithLabelValues(queue).Inc()
}

func (m *QueueMetrics) RecordExecuted(queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.opsExecuted.WithLabelValues(queue).Inc()
	m.opDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func (m *QueueMetrics) RecordInlineFallback(queue, reason string) {
	if m == nil {
		return
	}
	m.inlineFallbacks.WithLabelValues(queue, reason).Inc()
}

func (m *QueueMetrics) RecordWorkerLaunched(queue string) {
	if m == nil {
		return
	}
	m.workersLaunched.WithLabelValues(queue).Inc()
}

func (m *QueueMetrics) RecordClosed(queue string) {
	if m == nil {
		return
	}
	m.queuesClosed.WithLabelValues(queue).Inc()
}
