package main

import (
	"context"
	"fmt"

	"github.com/Deepreo/jobtrack"
	"github.com/Deepreo/jobtrack/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "jobtrackd",
	Short: "Scheduled job execution tracking",
	Long: `jobtrackd runs the job tracking sweeps and the read-only status API, and
offers one-shot maintenance commands against the tracking store.

Configuration is read from --config and JOBTRACK_ environment variables,
e.g. JOBTRACK_TRACKING_MODE=in-memory or JOBTRACK_STORAGE_DRIVER=sqlite.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config file (yaml, json or toml)")
}

// openApp loads the configuration and builds the application without
// starting it.
func openApp(ctx context.Context) (*jobtrack.Application, *config.AppConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	app, err := jobtrack.New(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("build application: %w", err)
	}
	return app, cfg, nil
}
