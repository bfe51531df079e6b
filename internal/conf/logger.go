// Package conf loads and validates bankstream settings.
package conf

import "github.com/tphakala/bankstream/internal/logger"

// GetLogger returns the config package logger. It is fetched from the global
// logger each call so it follows SetGlobal.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
