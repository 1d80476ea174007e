package main

import (
	"encoding/json"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

var errPollNotCompleted = errors.New("poll did not complete")

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Reconcile the oldest-checked subscriptions against the provider",
	Long: `poll runs one sweep and prints its summary as JSON. It is meant to be
triggered by an external scheduler (cron, Cloud Scheduler, a Kubernetes CronJob).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		zl := newLogger(cfg.LogLevel, cfg.LogFormat)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg, zl, prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.manager.PollBatch(ctx)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(summary); encErr != nil {
			return encErr
		}
		if err != nil {
			return err
		}
		if summary.Status != billsync.PollCompleted {
			return errPollNotCompleted
		}
		return nil
	},
}
