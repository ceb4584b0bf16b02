package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/verdant-network/carbon-registry/internal/app/runtime"
	"github.com/verdant-network/carbon-registry/internal/config"
)

var cfgPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "carbon-registry",
		Short: "Carbon credit registry: marketplace, staking, issuance and validator engines",
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (YAML)")
	rootCmd.AddCommand(startCmd(), checkConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the registry HTTP server",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := runtime.NewApplication(cfgPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := application.Run(ctx); err != nil {
				return err
			}
			return application.Shutdown(context.Background())
		},
	}
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and print the resolved values",
		Args:  cobra.ExactArgs(0),
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			fmt.Printf("config ok: server=%s driver=%s owner=%s\n", cfg.Server.Addr(), cfg.Database.Driver, cfg.Owner)
			return nil
		},
	}
}
