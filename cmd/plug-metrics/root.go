package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sweeney/plug-metrics/internal/config"
	"github.com/sweeney/plug-metrics/internal/logging"
)

// defaultConfigPath is tried when --config is not given.
const defaultConfigPath = "/etc/plug-metrics/config.toml"

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "plug-metrics",
	Short: "Export Kasa smart plug energy readings as metrics",
	Long: `plug-metrics broadcasts a discovery probe on the local network, keeps a
registry of the plugs that answer, and polls each plug's energy meter on a
fixed period. Readings are published to Prometheus, MQTT and InfluxDB.
Unreachable plugs publish NaN rather than a stale value.`,
	SilenceUsage: true,
	RunE:         runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: "+defaultConfigPath+" then ./config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

// Execute runs the root command.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("plug-metrics %s\n", version))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and returns it with a context carrying the
// configured logger.
func setup(ctx context.Context) (*config.Config, context.Context, error) {
	paths := []string{defaultConfigPath, "./config.toml"}
	if flagConfig != "" {
		paths = []string{flagConfig}
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, ctx, fmt.Errorf("loading config: %w", err)
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, ctx, err
	}
	zerolog.DefaultContextLogger = &logger
	return cfg, logger.WithContext(ctx), nil
}
