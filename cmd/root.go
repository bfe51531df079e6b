// Package cmd builds the bankstream command line
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tphakala/bankstream/cmd/load"
	"github.com/tphakala/bankstream/cmd/soak"
	"github.com/tphakala/bankstream/cmd/version"
	"github.com/tphakala/bankstream/internal/buildinfo"
	"github.com/tphakala/bankstream/internal/conf"
	"github.com/tphakala/bankstream/internal/errors"
	"github.com/tphakala/bankstream/internal/logger"
)

const sentryFlushTimeout = 2 * time.Second

// centralLogger is the logger installed by initialize, closed by Teardown
var centralLogger *logger.CentralLogger

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings, info *buildinfo.Context) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "bankstream",
		Short:         "Load, unload and stream audio resources",
		Version:       info.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, settings, &configFile); err != nil {
		fmt.Fprintf(os.Stderr, "error setting up flags: %v\n", err)
	}

	versionCmd := version.Command(info)
	subcommands := []*cobra.Command{
		load.Command(settings),
		soak.Command(settings),
		versionCmd,
	}
	rootCmd.AddCommand(subcommands...)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Skip setup for the version command
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return initialize(rootCmd, settings, configFile, info)
	}

	return rootCmd
}

// initialize loads the configuration and sets up logging and telemetry
// before any subcommand runs
func initialize(rootCmd *cobra.Command, settings *conf.Settings, configFile string, info *buildinfo.Context) error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	}

	loaded, err := conf.Load()
	if err != nil {
		return err
	}
	*settings = *loaded

	// An explicit listen address implies the endpoint is wanted
	if rootCmd.PersistentFlags().Changed("metrics-listen") {
		settings.Metrics.Enabled = true
	}

	cl, err := logger.NewCentralLogger(settings.LoggingConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(cl)
	centralLogger = cl

	if settings.Telemetry.Enabled {
		if err := errors.InitSentry(settings.Telemetry.DSN, info.Release()); err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}

	logger.Global().Module("main").Info("starting",
		logger.String("version", info.GetVersion()),
		logger.String("system_id", info.GetSystemID()),
		logger.String("config", viper.ConfigFileUsed()))
	return nil
}

// Teardown flushes telemetry and closes the log outputs
func Teardown(settings *conf.Settings) {
	if settings != nil && settings.Telemetry.Enabled {
		errors.FlushSentry(sentryFlushTimeout)
	}
	if centralLogger == nil {
		return
	}
	if err := centralLogger.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "error flushing logs: %v\n", err)
	}
	if err := centralLogger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "error closing logs: %v\n", err)
	}
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings, configFile *string) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(configFile, "config", "c", "", "Path to a config.yaml file")
	flags.BoolVarP(&settings.Debug, "debug", "d", false, "Enable debug output")
	flags.StringVar(&settings.Main.Log.Level, "log-level", logger.DefaultLogLevel, "Log level: trace, debug, info, warn, error")
	flags.StringVar(&settings.Metrics.Listen, "metrics-listen", conf.DefaultMetricsAddr, "Serve Prometheus metrics on this address")

	return bindFlags(flags, map[string]string{
		"debug":          "debug",
		"main.log.level": "log-level",
		"metrics.listen": "metrics-listen",
	})
}

// bindFlags binds each named flag to its viper key so config values and
// flags resolve through one lookup
func bindFlags(flags *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		flag := flags.Lookup(name)
		if flag == nil {
			return fmt.Errorf("flag %s is not defined", name)
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("error binding flag %s: %w", name, err)
		}
	}
	return nil
}
