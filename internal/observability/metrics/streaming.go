package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StreamingMetrics contains Prometheus metrics for the streaming bridge and
// the file cache behind it
type StreamingMetrics struct {
	registry *prometheus.Registry

	transfers       *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	inFlight        *prometheus.GaugeVec
	readDuration    *prometheus.HistogramVec
	openHandles     prometheus.Gauge
	statCacheLookup *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewStreamingMetrics creates and registers streaming metrics
func NewStreamingMetrics(registry *prometheus.Registry) (*StreamingMetrics, error) {
	m := &StreamingMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *StreamingMetrics) initMetrics() {
	m.transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankstream_streaming_transfers_total",
			Help: "Read and write transfers by result",
		},
		[]string{"direction", "result"},
	)

	m.bytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankstream_streaming_bytes_total",
			Help: "Bytes moved through the streaming bridge",
		},
		[]string{"direction"},
	)

	m.inFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bankstream_streaming_in_flight",
			Help: "Transfers issued but not yet completed",
		},
		[]string{"direction"},
	)

	m.readDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bankstream_streaming_read_duration_seconds",
			Help:    "Read latency by data source",
			Buckets: prometheus.ExponentialBuckets(BucketStart100us, BucketFactor2, BucketCount15),
		},
		[]string{"source"},
	)

	m.openHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bankstream_streaming_open_handles",
			Help: "Streaming handles currently open",
		},
	)

	m.statCacheLookup = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bankstream_filecache_stat_lookups_total",
			Help: "File size cache lookups by result",
		},
		[]string{"result"},
	)

	m.collectors = []prometheus.Collector{
		m.transfers,
		m.bytes,
		m.inFlight,
		m.readDuration,
		m.openHandles,
		m.statCacheLookup,
	}
}

// Describe implements the Collector interface
func (m *StreamingMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *StreamingMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

func (m *StreamingMetrics) RecordTransfer(direction, result string, n int) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(direction, result).Inc()
	if n > 0 {
		m.bytes.WithLabelValues(direction).Add(float64(n))
	}
}

func (m *StreamingMetrics) AddInFlight(direction string, delta int) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(direction).Add(float64(delta))
}

func (m *StreamingMetrics) RecordReadDuration(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.readDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *StreamingMetrics) AddOpenHandles(delta int) {
	if m == nil {
		return
	}
	m.openHandles.Add(float64(delta))
}

// RecordStatLookup records a file size cache hit or miss
func (m *StreamingMetrics) RecordStatLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.statCacheLookup.WithLabelValues("hit").Inc()
		return
	}
	m.statCacheLookup.WithLabelValues("miss").Inc()
}
