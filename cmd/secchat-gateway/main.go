// ABOUTME: Entry point for secchat-gateway, the security chat server
// ABOUTME: Cobra commands for serving, minting dev tokens, and health checks

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/auth"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/config"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
                        _           _
  ___  ___  ___ ___| |__   __ _| |_
 / __|/ _ \/ __/ __| '_ \ / _' | __|
 \__ \  __/ (_| (__| | | | (_| | |_
 |___/\___|\___\___|_| |_|\__,_|\__|
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "secchat-gateway",
		Short:         "Conversational front end for security log analysis",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to gateway.yaml (default $SECCHAT_CONFIG or $XDG_CONFIG_HOME/secchat/gateway.yaml)")

	load := func() (*config.Config, string, error) {
		path, err := config.Resolve(configPath)
		if err != nil {
			return nil, "", err
		}
		cfg, err := config.Load(path)
		if err != nil {
			return nil, "", fmt.Errorf("loading config: %w", err)
		}
		return cfg, path, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newTokenCmd(load),
		newHealthCmd(load),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

type loader func() (*config.Config, string, error)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := load()
			if err != nil {
				return err
			}
			printStartup(cfg, path)

			logger := setupLogger(cfg.Logging)
			logger.Info("starting secchat-gateway",
				"config", path,
				"http_addr", cfg.Server.HTTPAddr,
				"grpc_addr", cfg.Server.GRPCAddr,
				"database", cfg.Database.Driver,
			)

			gw, err := gateway.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func printStartup(cfg *config.Config, path string) {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Model:     %s @ %s\n", cfg.Generation.Model, cfg.Generation.BackendURL)
	if !cfg.Retrieval.Enabled {
		yellow.Println("    ! Retrieval disabled; answers will be marked degraded")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()
}

// newTokenCmd mints a signed identity token for local development.
func newTokenCmd(load loader) *cobra.Command {
	var (
		user string
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development identity token",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			cfg, _, err := load()
			if err != nil {
				return err
			}
			v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return err
			}
			tok, err := v.Generate(user, r, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (subject claim)")
	cmd.Flags().StringVarP(&role, "role", "r", string(auth.RoleViewer), "viewer, analyst or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func newHealthCmd(load loader) *cobra.Command {
	var ready bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			path := "/health"
			if ready {
				path = "/health/ready"
			}
			return checkHealth(cmd.Context(), cmd.OutOrStdout(), "http://"+cfg.Server.HTTPAddr+path)
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "check readiness (inference backend) instead of liveness")
	return cmd
}

func checkHealth(ctx context.Context, out io.Writer, url string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, body)
	}
	fmt.Fprintln(out, "healthy")
	return nil
}
