package media

import "github.com/tphakala/bankstream/internal/logger"

// GetLogger returns the media module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("media")
}
