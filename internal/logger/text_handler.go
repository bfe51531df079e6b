package logger

import (
	"io"
	"log/slog"
	"time"
)

const consoleTimeFormat = "2006-01-02 15:04:05.000"

// replaceLevelNames renders the custom trace level as TRACE instead of DEBUG-4
func replaceLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level <= traceLevelValue {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// newTextHandler builds the human-readable console handler.
// Timestamps are rendered in tz.
func newTextHandler(w io.Writer, level slog.Level, tz *time.Location) slog.Handler {
	if tz == nil {
		tz = time.Local
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().In(tz).Format(consoleTimeFormat))
			}
			return replaceLevelNames(groups, a)
		},
	})
}
