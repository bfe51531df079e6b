package registry

import (
	"sync/atomic"

	"github.com/tphakala/bankstream/internal/logger"
	"github.com/tphakala/bankstream/internal/observability/metrics"
)

// GetLogger returns the registry module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("registry")
}

var registryMetrics atomic.Pointer[metrics.ResourceMetrics]

// SetMetrics installs the collector for live resources and invariant
// violations
func SetMetrics(m *metrics.ResourceMetrics) {
	registryMetrics.Store(m)
}

func currentMetrics() *metrics.ResourceMetrics {
	return registryMetrics.Load()
}
