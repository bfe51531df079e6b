// Package observability wires the Prometheus collectors into the components
// and serves them over HTTP.
package observability

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tphakala/bankstream/internal/execqueue"
	"github.com/tphakala/bankstream/internal/filecache"
	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/observability/metrics"
	"github.com/tphakala/bankstream/internal/registry"
	"github.com/tphakala/bankstream/internal/resource"
	"github.com/tphakala/bankstream/internal/streaming"
)

// Metrics holds all metric collectors on a private registry
type Metrics struct {
	registry  *prometheus.Registry
	Queue     *metrics.QueueMetrics
	Resource  *metrics.ResourceMetrics
	Streaming *metrics.StreamingMetrics
}

// NewMetrics creates the collectors and installs them into the packages
// that record them
func NewMetrics() (*Metrics, error) {
	promRegistry := prometheus.NewRegistry()

	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	queueMetrics, err := metrics.NewQueueMetrics(promRegistry)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue metrics: %w", err)
	}

	resourceMetrics, err := metrics.NewResourceMetrics(promRegistry)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource metrics: %w", err)
	}

	streamingMetrics, err := metrics.NewStreamingMetrics(promRegistry)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming metrics: %w", err)
	}

	execqueue.SetMetrics(queueMetrics)
	resource.SetMetrics(resourceMetrics)
	registry.SetMetrics(resourceMetrics)
	filecache.SetMetrics(streamingMetrics)
	streaming.SetMetrics(streamingMetrics)

	return &Metrics{
		registry:  promRegistry,
		Queue:     queueMetrics,
		Resource:  resourceMetrics,
		Streaming: streamingMetrics,
	}, nil
}

// Registry returns the private Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Detach removes the collectors from the instrumented packages
func (m *Metrics) Detach() {
	execqueue.SetMetrics(nil)
	resource.SetMetrics(nil)
	registry.SetMetrics(nil)
	filecache.SetMetrics(nil)
	streaming.SetMetrics(nil)
}

// RegisterHandlers registers the /metrics handler on mux
func (m *Metrics) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{
			ErrorLog:      log.New(logWriter{}, "", 0),
			ErrorHandling: promhttp.HTTPErrorOnError,
		},
	))
}

// logWriter forwards promhttp errors to the module logger
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	GetLogger().Error("metrics handler error", logger.String("detail", string(p)))
	return len(p), nil
}
