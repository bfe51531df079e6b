package load

import "github.com/tphakala/bankstream/internal/logger"

// GetLogger returns the load command logger
func GetLogger() logger.Logger {
	return logger.Global().Module("load")
}
