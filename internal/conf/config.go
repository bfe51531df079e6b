package conf

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
	"github.com/tphakala/bankstream/internal/logger"
)

// Settings holds the full runtime configuration
type Settings struct {
	Debug bool `mapstructure:"debug"` // true to enable debug logging

	Main struct {
		Name string    `mapstructure:"name"` // instance name shown in logs and metrics
		Log  LogConfig `mapstructure:"log"`  // logging outputs
	} `mapstructure:"main"`

	Queue     QueueSettings     `mapstructure:"queue"`
	Resource  ResourceSettings  `mapstructure:"resource"`
	FileCache FileCacheSettings `mapstructure:"filecache"`
	Streaming StreamingSettings `mapstructure:"streaming"`
	Engine    EngineSettings    `mapstructure:"engine"`
	Metrics   MetricsSettings   `mapstructure:"metrics"`
	Telemetry TelemetrySettings `mapstructure:"telemetry"`
}

// LogConfig controls console and file logging
type LogConfig struct {
	Level       string `mapstructure:"level"`       // trace, debug, info, warn, error
	Timezone    string `mapstructure:"timezone"`    // "Local", "UTC" or an IANA name
	FileEnabled bool   `mapstructure:"fileenabled"` // write JSON logs to Path
	Path        string `mapstructure:"path"`        // JSON log file path
}

// QueueSettings tunes the execution queues
type QueueSettings struct {
	CloseWait time.Duration `mapstructure:"closewait"` // how long Close waits before logging a stuck queue
}

// ResourceSettings tunes resource teardown
type ResourceSettings struct {
	TermWait        time.Duration `mapstructure:"termwait"`        // pause between in-flight checks during Term
	TermMaxAttempts int           `mapstructure:"termmaxattempts"` // checks before Term gives up waiting
}

// FileCacheSettings configures the file cache
type FileCacheSettings struct {
	Root    string        `mapstructure:"root"`   // directory resource paths are resolved against
	StatTTL time.Duration `mapstructure:"stattl"` // how long file sizes stay cached
}

// StreamingSettings configures the streaming bridge
type StreamingSettings struct {
	Granularity int    `mapstructure:"granularity"` // streaming block size in bytes, prefetch is rounded up to it
	WriteBuffer int    `mapstructure:"writebuffer"` // write-behind buffer size in bytes
	WriteRoot   string `mapstructure:"writeroot"`   // directory for files opened for writing
}

// EngineSettings configures the reference engine
type EngineSettings struct {
	TickInterval time.Duration `mapstructure:"tickinterval"` // how often deferred work is redrained
}

// MetricsSettings configures the Prometheus endpoint
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"` // host:port for /metrics
}

// TelemetrySettings configures error reporting
type TelemetrySettings struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// LoggingConfig converts the log settings to a logger configuration
func (s *Settings) LoggingConfig() *logger.LoggingConfig {
	level := s.Main.Log.Level
	if s.Debug {
		level = string(logger.LogLevelDebug)
	}
	return &logger.LoggingConfig{
		DefaultLevel: level,
		Timezone:     s.Main.Log.Timezone,
		Console:      &logger.ConsoleOutput{Enabled: true, Level: level},
		FileOutput: &logger.FileOutput{
			Enabled: s.Main.Log.FileEnabled,
			Path:    s.Main.Log.Path,
			Level:   level,
		},
	}
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads config.yaml from the default paths, applies defaults and
// validates the result. A missing config file is not an error.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper sets defaults and reads the configuration file, if any.
// An explicit viper.SetConfigFile takes precedence over the search paths.
func initViper() error {
	setDefaultConfig()

	if viper.ConfigFileUsed() == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")

		configPaths, err := GetDefaultConfigPaths()
		if err != nil {
			return fmt.Errorf("error getting default config paths: %w", err)
		}
		for _, path := range configPaths {
			viper.AddConfigPath(path)
		}
	}

	viper.SetEnvPrefix("BANKSTREAM")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			GetLogger().Debug("no config file found, using defaults")
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	GetLogger().Info("loaded config", logger.String("file", viper.ConfigFileUsed()))
	return nil
}

// GetSettings returns the most recently loaded settings, or nil
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}
