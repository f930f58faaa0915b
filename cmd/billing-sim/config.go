package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/code-payments/flipcash2-billing/config"
)

func configCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(configValidateCmd(configPath))
	cmd.AddCommand(configShowCmd(configPath))
	return cmd
}

func configValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "config is valid")
			return nil
		},
	}
}

func configShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			encoder := yaml.NewEncoder(os.Stdout)
			defer encoder.Close()
			return encoder.Encode(c)
		},
	}
}
