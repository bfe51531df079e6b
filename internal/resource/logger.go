package resource

import (
	"sync/atomic"

	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/observability/metrics"
)

// GetLogger returns the resource module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("resource")
}

var resourceMetrics atomic.Pointer[metrics.ResourceMetrics]

// SetMetrics installs the lifecycle collector. nil disables recording.
func SetMetrics(m *metrics.ResourceMetrics) {
	resourceMetrics.Store(m)
}

func currentMetrics() *metrics.ResourceMetrics {
	return resourceMetrics.Load()
}
