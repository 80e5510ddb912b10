package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Time out executions stuck in RUNNING past the stuck threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, _, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Shutdown(ctx)

		if err := app.Tracker().Start(ctx); err != nil {
			return err
		}
		n, err := app.Tracker().Detector().Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "timed out %d stuck execution(s)\n", n)
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete terminal execution logs older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, cfg, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer app.Shutdown(ctx)

		if !app.Tracker().Cleaner().Enabled() {
			fmt.Fprintf(cmd.OutOrStdout(), "retention disabled (retention_days=%d)\n", cfg.Tracking.RetentionDays)
			return nil
		}
		if err := app.Tracker().Start(ctx); err != nil {
			return err
		}
		n, err := app.Tracker().Cleaner().Prune(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d execution log(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd, pruneCmd)
}
