package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/tphakala/bankstream/internal/conf"
	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/observability/metrics"
)

const readHeaderTimeout = 5 * time.Second

// Endpoint serves the metrics registry over HTTP
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
}

// NewEndpoint creates a metrics endpoint from settings. It returns an error
// when metrics are disabled.
func NewEndpoint(settings *conf.Settings, m *Metrics) (*Endpoint, error) {
	if !settings.Metrics.Enabled {
		return nil, errors.New("metrics endpoint is disabled")
	}
	if m == nil {
		return nil, errors.New("metrics cannot be nil")
	}

	mux := http.NewServeMux()
	m.RegisterHandlers(mux)

	return &Endpoint{
		server: &http.Server{
			Addr:              settings.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		listenAddress: settings.Metrics.Listen,
		metrics:       m,
	}, nil
}

// Start serves metrics until quitChan is closed
func (e *Endpoint) Start(wg *sync.WaitGroup, quitChan <-chan struct{}) {
	log := GetLogger()

	wg.Go(func() {
		log.Info("metrics endpoint listening", logger.String("address", e.listenAddress))
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", logger.Error(err))
		}
	})

	wg.Go(func() {
		e.gracefulShutdown(quitChan)
	})
}

func (e *Endpoint) gracefulShutdown(quitChan <-chan struct{}) {
	<-quitChan

	ctx, cancel := context.WithTimeout(context.Background(), metrics.ShutdownTimeout)
	defer cancel()

	if err := e.server.Shutdown(ctx); err != nil {
		GetLogger().Warn("metrics server shutdown incomplete", logger.Error(err))
	}
}

// GetMetrics returns the served metrics
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}
