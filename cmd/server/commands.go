package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"automation-hub/backend/internal/encryption"
)

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger, flags.memory)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.migrate(cmd.Context()); err != nil {
				return err
			}
			defs, err := a.activations.Bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("schema up to date", "pipelines", len(defs))
			return nil
		},
	}
}

// newSweepCmd runs one sweep, for deployments where an external cron is the
// periodic trigger.
func newSweepCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fire every due schedule once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger, flags.memory)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.sweeper.Sweep(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func newNotifyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "notify",
		Short: "Deliver queued notifications once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger, flags.memory)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.sink.FlushReport(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new base64 encoded data key",
		Long: "Print a new base64 encoded data key. Store it where a tenant's key_ref " +
			"(a runtimevar URL such as file:///run/secrets/tenant?decoder=string) points.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := encryption.NewKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), key)
			return err
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
