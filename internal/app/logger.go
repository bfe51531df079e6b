package app

import "github.com/tphakala/bankstream/internal/logger"

// GetLogger returns the app module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("app")
}
