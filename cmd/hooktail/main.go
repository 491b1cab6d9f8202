package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"hooktail/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var addr, apiKey string

	cmd := &cobra.Command{
		Use:          "hooktail",
		Short:        "Operator CLI for the webhook dispatcher daemon",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "Daemon control API address (default from config)")
	cmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default from config)")

	makeClient := func() (*client, error) {
		cfg, err := config.LoadCLI()
		if err != nil {
			return nil, err
		}
		if addr != "" {
			cfg.Addr = addr
		}
		if apiKey != "" {
			cfg.APIKey = apiKey
		}
		return newClient(cfg.Addr, cfg.APIKey), nil
	}

	cmd.AddCommand(statusCmd(makeClient))
	cmd.AddCommand(dlqCmd(makeClient))
	cmd.AddCommand(subscriberCmd(makeClient))
	return cmd
}
