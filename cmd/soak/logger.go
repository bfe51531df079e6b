package soak

import "github.com/tphakala/bankstream/internal/logger"

// GetLogger returns the soak command logger
func GetLogger() logger.Logger {
	return logger.Global().Module("soak")
}
