package logger_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/bankstream/internal/logger"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var records []map[string]any
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	return records
}

func TestSlogLoggerLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		level     logger.LogLevel
		emit      func(l logger.Logger)
		wantLevel string
		wantEmit  bool
	}{
		{"debug at debug", logger.LogLevelDebug, func(l logger.Logger) { l.Debug("m") }, "DEBUG", true},
		{"debug at info", logger.LogLevelInfo, func(l logger.Logger) { l.Debug("m") }, "", false},
		{"warn at info", logger.LogLevelInfo, func(l logger.Logger) { l.Warn("m") }, "WARN", true},
		{"warn at error", logger.LogLevelError, func(l logger.Logger) { l.Warn("m") }, "", false},
		{"trace at trace", logger.LogLevelTrace, func(l logger.Logger) { l.Trace("m") }, "TRACE", true},
		{"explicit level filtered", logger.LogLevelWarn, func(l logger.Logger) { l.Log(logger.LogLevelInfo, "m") }, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf := &bytes.Buffer{}
			tt.emit(logger.NewSlogLogger(buf, tt.level, time.UTC))

			records := decodeLines(t, buf)
			if !tt.wantEmit {
				assert.Empty(t, records)
				return
			}
			require.Len(t, records, 1)
			assert.Equal(t, tt.wantLevel, records[0]["level"])
		})
	}
}

func TestModuleAndFields(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	base := logger.NewSlogLogger(buf, logger.LogLevelDebug, time.UTC)

	log := base.Module("registry").Module("media").With(logger.Uint32("id", 5))
	log.Info("created", logger.String("state", "Closed"), logger.Duration("took", 1500*time.Millisecond))

	records := decodeLines(t, buf)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "registry.media", rec["module"])
	assert.InDelta(t, 5, rec["id"], 0)
	assert.Equal(t, "Closed", rec["state"])
	assert.Equal(t, "1.5s", rec["took"])
}

func TestWithDoesNotLeakIntoParent(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	parent := logger.NewSlogLogger(buf, logger.LogLevelInfo, time.UTC)
	child := parent.With(logger.String("handle", "abc"))

	child.Info("child")
	parent.Info("parent")

	records := decodeLines(t, buf)
	require.Len(t, records, 2)
	assert.Equal(t, "abc", records[0]["handle"])
	assert.NotContains(t, records[1], "handle")
}

func TestWithContextTraceID(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := logger.NewSlogLogger(buf, logger.LogLevelInfo, time.UTC)

	log.WithContext(logger.WithTraceID(context.Background(), "trace-1")).Info("traced")
	log.WithContext(context.Background()).Info("untraced")

	records := decodeLines(t, buf)
	require.Len(t, records, 2)
	assert.Equal(t, "trace-1", records[0]["trace_id"])
	assert.NotContains(t, records[1], "trace_id")
}

func TestErrorFieldNil(t *testing.T) {
	t.Parallel()

	f := logger.Error(nil)
	assert.Equal(t, "error", f.Key)
	assert.Nil(t, f.Value)
}

func TestCentralLoggerFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "bankstream.log")
	cl, err := logger.NewCentralLogger(&logger.LoggingConfig{
		DefaultLevel: "debug",
		Timezone:     "UTC",
		Console:      &logger.ConsoleOutput{Enabled: false},
		FileOutput:   &logger.FileOutput{Enabled: true, Path: path, Level: "debug"},
		ModuleLevels: map[string]string{"quiet": "error"},
	})
	require.NoError(t, err)

	cl.Module("execqueue").Debug("worker launched", logger.String("queue", "handler"))
	cl.Module("quiet").Warn("dropped")
	require.NoError(t, cl.Close())
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	records := decodeLines(t, bytes.NewBuffer(data))
	require.Len(t, records, 1)
	assert.Equal(t, "execqueue", records[0]["module"])
	assert.Equal(t, "handler", records[0]["queue"])
}

func TestCentralLoggerRejectsBadTimezone(t *testing.T) {
	t.Parallel()

	_, err := logger.NewCentralLogger(&logger.LoggingConfig{Timezone: "Nowhere/Special"})
	require.Error(t, err)

	_, err = logger.NewCentralLogger(nil)
	require.Error(t, err)
}
