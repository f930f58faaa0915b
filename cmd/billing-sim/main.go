package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "billing-sim",
		Short:        "Drive the billing client against a simulated or real billing service",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(runCmd(&configPath))
	cmd.AddCommand(tokensCmd(&configPath))
	cmd.AddCommand(playCmd(&configPath))
	cmd.AddCommand(configCmd(&configPath))
	return cmd
}
