package filecache

import (
	"sync/atomic"

	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/observability/metrics"
)

// GetLogger returns the filecache module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("filecache")
}

var cacheMetrics atomic.Pointer[metrics.StreamingMetrics]

// SetMetrics installs the collector for stat lookups and read latency
func SetMetrics(m *metrics.StreamingMetrics) {
	cacheMetrics.Store(m)
}

func currentMetrics() *metrics.StreamingMetrics {
	return cacheMetrics.Load()
}
