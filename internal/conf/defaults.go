package conf

import (
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultGranularity  = 16 * 1024
	DefaultWriteBuffer  = 64 * 1024
	DefaultStatTTL      = 30 * time.Second
	DefaultTickInterval = 50 * time.Millisecond
	DefaultTermWait     = 10 * time.Millisecond
	DefaultMetricsAddr  = "127.0.0.1:9464"
)

// setDefaultConfig sets default values for every key
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "bankstream")
	viper.SetDefault("main.log.level", "info")
	viper.SetDefault("main.log.timezone", "Local")
	viper.SetDefault("main.log.fileenabled", false)
	viper.SetDefault("main.log.path", "logs/bankstream.log")

	viper.SetDefault("queue.closewait", 5*time.Second)

	viper.SetDefault("resource.termwait", DefaultTermWait)
	viper.SetDefault("resource.termmaxattempts", 10)

	viper.SetDefault("filecache.root", ".")
	viper.SetDefault("filecache.stattl", DefaultStatTTL)

	viper.SetDefault("streaming.granularity", DefaultGranularity)
	viper.SetDefault("streaming.writebuffer", DefaultWriteBuffer)
	viper.SetDefault("streaming.writeroot", "output")

	viper.SetDefault("engine.tickinterval", DefaultTickInterval)

	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.listen", DefaultMetricsAddr)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.dsn", "")
}
