// ABOUTME: TOML configuration for the secchat terminal client
// ABOUTME: Gateway URL, identity token and optional session to resume

package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the client configuration file.
type Config struct {
	URL     string `toml:"url"`
	Token   string `toml:"token"`
	Session string `toml:"session"`
	NoColor bool   `toml:"no_color"`
}

// defaultConfigPath is $XDG_CONFIG_HOME/secchat/client.toml, falling back to ~/.config.
func defaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "client.toml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "secchat", "client.toml")
}

// LoadConfig reads path, expanding ${VAR} references. A missing file yields
// an empty config so flags alone can drive the client.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if _, err := toml.Decode(expandEnvVars(string(data)), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks required fields and normalizes URL to a WebSocket URL
// ending in /ws.
func (c *Config) Validate() error {
	if c.Token == "" {
		c.Token = os.Getenv("SECCHAT_TOKEN")
	}
	if c.Token == "" {
		return fmt.Errorf("token is required (config, --token, or SECCHAT_TOKEN)")
	}
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("url is not valid: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return fmt.Errorf("url must use ws, wss, http or https scheme")
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	c.URL = u.String()
	return nil
}
