// ABOUTME: tsnet listeners for serving the gateway inside a tailnet
// ABOUTME: Plain HTTP on :80 or HTTPS on :443 with tailnet certs, gRPC health on :50051

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/config"
)

const (
	tailnetGRPCPort  = ":50051"
	tailnetHTTPPort  = ":80"
	tailnetHTTPSPort = ":443"
)

// tailnetEnv is the process environment a tailnet node is configured from.
type tailnetEnv struct {
	home   func() (string, error)
	getenv func(string) string
}

var processEnv = tailnetEnv{home: os.UserHomeDir, getenv: os.Getenv}

// stateDir returns configured, or ~/.local/share/secchat/tailscale.
func (e tailnetEnv) stateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := e.home()
	if err != nil {
		return "", fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "secchat", "tailscale"), nil
}

// authKey prefers the configured key over TS_AUTHKEY.
func (e tailnetEnv) authKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := e.getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

// node builds an unstarted tsnet server for cfg, creating its state
// directory.
func (e tailnetEnv) node(cfg config.TailscaleConfig) (*tsnet.Server, error) {
	dir, err := e.stateDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	key, err := e.authKey(cfg.AuthKey)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	return &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       dir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   key,
	}, nil
}

// tailnetPorts returns the tailnet ports for HTTP and gRPC. grpcPort is
// empty when gRPC health is disabled.
func tailnetPorts(cfg *config.Config) (httpPort, grpcPort string) {
	httpPort = tailnetHTTPPort
	if cfg.Tailscale.HTTPS {
		httpPort = tailnetHTTPSPort
	}
	if cfg.Server.GRPCAddr != "" {
		grpcPort = tailnetGRPCPort
	}
	return httpPort, grpcPort
}

// warnIgnoredAddresses notes that server addresses do not apply inside the
// tailnet.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server addresses are ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
			"grpc_addr", g.config.Server.GRPCAddr,
		)
	}
}

// setupTailscaleListeners joins the tailnet and returns listeners for gRPC
// and HTTP. grpcLn is nil when gRPC is disabled.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale
	srv, err := processEnv.node(tsCfg)
	if err != nil {
		return nil, nil, err
	}
	g.tsnetServer = srv

	g.logger.Info("joining tailnet", "hostname", tsCfg.Hostname, "state_dir", srv.Dir, "ephemeral", tsCfg.Ephemeral)
	status, err := srv.Up(ctx)
	if err != nil {
		_ = srv.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailnetNode(status)

	httpPort, grpcPort := tailnetPorts(g.config)
	httpLn, err = g.tailnetHTTPListener(httpPort)
	if err != nil {
		_ = srv.Close()
		return nil, nil, err
	}
	if grpcPort == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = srv.Listen("tcp", grpcPort)
	if err != nil {
		_ = httpLn.Close()
		_ = srv.Close()
		return nil, nil, fmt.Errorf("listening on tailnet %s: %w", grpcPort, err)
	}
	return grpcLn, httpLn, nil
}

func (g *Gateway) logTailnetNode(status *ipnstate.Status) {
	attrs := []any{"hostname", g.config.Tailscale.Hostname}
	if len(status.TailscaleIPs) > 0 {
		attrs = append(attrs, "tailscale_ip", status.TailscaleIPs[0].String())
	} else {
		g.logger.Warn("tailnet node has no addresses")
	}
	if status.Self != nil {
		attrs = append(attrs, "dns_name", status.Self.DNSName)
	}
	g.logger.Info("tailnet node ready", attrs...)
}

// tailnetHTTPListener listens on port, terminating TLS with tailnet-issued
// certificates on the HTTPS port.
func (g *Gateway) tailnetHTTPListener(port string) (net.Listener, error) {
	ln, err := g.tsnetServer.Listen("tcp", port)
	if err != nil {
		return nil, fmt.Errorf("listening on tailnet %s: %w", port, err)
	}
	if port != tailnetHTTPSPort {
		return ln, nil
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	g.logger.Info("serving HTTPS with tailnet certificates", "port", port)
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}
