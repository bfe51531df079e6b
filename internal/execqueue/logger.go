package execqueue

import (
	"sync/atomic"

	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/observability/metrics"
)

// GetLogger returns the execqueue module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("execqueue")
}

var queueMetrics atomic.Pointer[metrics.QueueMetrics]

// SetMetrics installs the collector used by every queue. nil disables
// recording.
func SetMetrics(m *metrics.QueueMetrics) {
	queueMetrics.Store(m)
}

func currentMetrics() *metrics.QueueMetrics {
	return queueMetrics.Load()
}
