package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func tokensCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Inspect the processed purchase token store",
	}
	cmd.AddCommand(tokensListCmd(configPath))
	cmd.AddCommand(tokensRetainCmd(configPath))
	return cmd
}

func tokensListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every processed purchase token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := newEnv(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer env.close()

			processed, err := env.tokens.GetProcessedTokens(cmd.Context())
			if err != nil {
				return err
			}
			for _, token := range processed {
				fmt.Fprintln(os.Stdout, token)
			}
			return nil
		},
	}
}

func tokensRetainCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retain [token...]",
		Short: "Remove every processed token not listed",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newEnv(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer env.close()

			return env.tokens.RetainTokens(cmd.Context(), args)
		},
	}
}
