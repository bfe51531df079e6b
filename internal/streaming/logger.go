package streaming

import (
	"sync/atomic"

	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/observability/metrics"
)

// GetLogger returns the streaming module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("streaming")
}

var streamingMetrics atomic.Pointer[metrics.StreamingMetrics]

// SetMetrics installs the transfer collector
func SetMetrics(m *metrics.StreamingMetrics) {
	streamingMetrics.Store(m)
}

func currentMetrics() *metrics.StreamingMetrics {
	return streamingMetrics.Load()
}
