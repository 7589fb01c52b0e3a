package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"automation-hub/backend/internal/config"
	"automation-hub/backend/internal/logging"

	_ "automation-hub/backend/internal/flows"
)

// version is overridden at build time with -ldflags.
var version = "dev"

type rootFlags struct {
	envFile    string
	configFile string
	memory     bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "server",
		Short:         "Multi-tenant webhook driven ETL pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.envFile, "env", "", "path to .env file")
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "path to config file (default ./config.yaml)")
	root.PersistentFlags().BoolVar(&flags.memory, "memory", false, "use the in-memory store instead of Postgres")

	root.AddCommand(
		newServeCmd(flags),
		newMigrateCmd(flags),
		newSweepCmd(flags),
		newNotifyCmd(flags),
		newKeygenCmd(),
	)
	return root
}

func loadConfig(flags *rootFlags) (*config.Config, *logging.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configFile != "" {
		cfg, err = config.LoadFile(flags.configFile)
	} else {
		cfg, err = config.LoadConfig(flags.envFile)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	return cfg, logger, nil
}
