package logger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

var (
	globalMu     sync.Mutex
	globalLogger *CentralLogger
)

// SetGlobal installs cl as the logger returned by Global. Commands call it
// once the configuration is loaded.
func SetGlobal(cl *CentralLogger) {
	globalMu.Lock()
	globalLogger = cl
	globalMu.Unlock()
}

// Global returns the installed CentralLogger. Until SetGlobal runs it is a
// console logger at info level.
func Global() *CentralLogger {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalLogger == nil {
		globalLogger = &CentralLogger{
			defaultLevel: slog.LevelInfo,
			moduleLevels: map[string]slog.Level{},
			handler:      newTextHandler(consoleWriter, slog.LevelInfo, time.Local),
		}
	}
	return globalLogger
}

type loggerContextKey struct{ name string }

// TraceIDKey is the context key for trace IDs. Use WithTraceID to set it.
var TraceIDKey = loggerContextKey{"trace_id"}

// WithTraceID returns a context whose loggers tag records with traceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}
