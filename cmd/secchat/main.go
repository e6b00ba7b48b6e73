// ABOUTME: Entry point for secchat, a terminal client for secchat-gateway
// ABOUTME: Flags override values from the TOML config file

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		override   Config
	)
	cmd := &cobra.Command{
		Use:           "secchat",
		Short:         "Chat with the security log assistant",
		Long:          "Lines are sent as messages; slash commands go to the gateway. Local directives: :bind <session>, :ping, :quit.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			if override.URL != "" {
				cfg.URL = override.URL
			}
			if override.Token != "" {
				cfg.Token = override.Token
			}
			if override.Session != "" {
				cfg.Session = override.Session
			}
			cfg.NoColor = cfg.NoColor || override.NoColor
			if err := cfg.Validate(); err != nil {
				return err
			}

			client, err := Dial(cmd.Context(), cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return client.Run(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to client.toml")
	cmd.Flags().StringVar(&override.URL, "url", "", "gateway URL (http(s):// or ws(s)://)")
	cmd.Flags().StringVar(&override.Token, "token", "", "identity token")
	cmd.Flags().StringVar(&override.Session, "session", "", "session id to resume")
	cmd.Flags().BoolVar(&override.NoColor, "no-color", false, "disable colored output")
	return cmd
}
