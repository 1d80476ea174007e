package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <user-id> [email]",
	Short: "Resolve (or create) the provider customer for a user",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		zl := newLogger(cfg.LogLevel, cfg.LogFormat)

		a, err := buildApp(cmd.Context(), cfg, zl, prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer a.Close()

		var email string
		if len(args) == 2 {
			email = args[1]
		}
		customerID, err := a.manager.ResolveCustomer(cmd.Context(), args[0], email)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), customerID)
		return nil
	},
}
