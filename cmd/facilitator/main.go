package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "facilitator",
		Short:        "x402 payment facilitator gateway",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file (env vars override it)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newRingCmd())
	return root
}
