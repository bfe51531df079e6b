package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/bankstream/internal/errors"
)

func loadFromFile(t *testing.T, yaml string) (*Settings, error) {
	t.Helper()

	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	viper.SetConfigFile(path)

	return Load()
}

func TestLoadDefaults(t *testing.T) {
	settings, err := loadFromFile(t, "main:\n  name: test\n")
	require.NoError(t, err)

	assert.Equal(t, "test", settings.Main.Name)
	assert.Equal(t, "info", settings.Main.Log.Level)
	assert.Equal(t, DefaultGranularity, settings.Streaming.Granularity)
	assert.Equal(t, DefaultStatTTL, settings.FileCache.StatTTL)
	assert.Equal(t, DefaultTickInterval, settings.Engine.TickInterval)
	assert.Equal(t, 10, settings.Resource.TermMaxAttempts)
	assert.False(t, settings.Metrics.Enabled)
	assert.Same(t, settings, GetSettings())
}

func TestLoadOverrides(t *testing.T) {
	settings, err := loadFromFile(t, `
debug: true
streaming:
  granularity: 2048
filecache:
  stattl: 1m
engine:
  tickinterval: 5ms
metrics:
  enabled: true
  listen: "localhost:9100"
`)
	require.NoError(t, err)

	assert.Equal(t, 2048, settings.Streaming.Granularity)
	assert.Equal(t, time.Minute, settings.FileCache.StatTTL)
	assert.Equal(t, 5*time.Millisecond, settings.Engine.TickInterval)
	assert.Equal(t, "localhost:9100", settings.Metrics.Listen)

	logCfg := settings.LoggingConfig()
	assert.Equal(t, "debug", logCfg.DefaultLevel, "debug flag raises the log level")
	assert.False(t, logCfg.FileOutput.Enabled)
}

func TestLoadValidationFailure(t *testing.T) {
	_, err := loadFromFile(t, `
main:
  log:
    level: loud
streaming:
  granularity: 0
telemetry:
  enabled: true
`)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 3)
}

func TestValidateMetricsListen(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	setDefaultConfig()

	settings := &Settings{}
	require.NoError(t, viper.Unmarshal(settings))
	require.NoError(t, ValidateSettings(settings))

	settings.Metrics.Enabled = true
	settings.Metrics.Listen = "no-port"
	assert.Error(t, ValidateSettings(settings))
}

func TestLoadMultiWordKeys(t *testing.T) {
	settings, err := loadFromFile(t, `
main:
  log:
    fileenabled: true
    path: /tmp/bankstream-test.log
queue:
  closewait: 2s
resource:
  termwait: 3ms
  termmaxattempts: 4
filecache:
  root: banks
  stattl: 90s
streaming:
  writebuffer: 4096
  writeroot: captures
`)
	require.NoError(t, err)

	assert.True(t, settings.Main.Log.FileEnabled)
	assert.Equal(t, "/tmp/bankstream-test.log", settings.Main.Log.Path)
	assert.Equal(t, 2*time.Second, settings.Queue.CloseWait)
	assert.Equal(t, 3*time.Millisecond, settings.Resource.TermWait)
	assert.Equal(t, 4, settings.Resource.TermMaxAttempts)
	assert.Equal(t, "banks", settings.FileCache.Root)
	assert.Equal(t, 90*time.Second, settings.FileCache.StatTTL)
	assert.Equal(t, 4096, settings.Streaming.WriteBuffer)
	assert.Equal(t, "captures", settings.Streaming.WriteRoot)
}

func TestLoadWithoutConfigFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	settings, err := Load()
	require.NoError(t, err, "built-in defaults must validate")
	assert.Equal(t, DefaultStatTTL, settings.FileCache.StatTTL)
}
