// ABOUTME: Configuration loading and parsing for secchat-gateway
// ABOUTME: YAML files with ${ENV} expansion, defaults, duration parsing, validation

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete secchat-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Connections ConnectionsConfig `yaml:"connections"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Corpus      CorpusConfig      `yaml:"corpus"`
	Generation  GenerationConfig  `yaml:"generation"`
	Commands    CommandsConfig    `yaml:"commands"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds listener addresses. An empty GRPCAddr disables the
// gRPC health service.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
}

// DatabaseConfig selects the conversation store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres, mysql, memory
	Path   string `yaml:"path"`   // sqlite file
	DSN    string `yaml:"dsn"`    // postgres / mysql

	MaxOpenConns int `yaml:"max_open_conns"`
}

// AuthConfig holds the token verification secret
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// SessionsConfig controls session lifetime and history queries
type SessionsConfig struct {
	IdleTimeout  time.Duration `yaml:"-"`
	ReapInterval time.Duration `yaml:"-"`
	DedupeWindow time.Duration `yaml:"-"`

	IdleTimeoutRaw  string `yaml:"idle_timeout"`
	ReapIntervalRaw string `yaml:"reap_interval"`
	DedupeWindowRaw string `yaml:"dedupe_window"`

	ListLimit int `yaml:"list_limit"`
}

// ConnectionsConfig bounds per-connection resources
type ConnectionsConfig struct {
	SendBuffer     int   `yaml:"send_buffer"`
	InboundQueue   int   `yaml:"inbound_queue"`
	MaxMessageSize int64 `yaml:"max_message_size"`

	PingInterval time.Duration `yaml:"-"`
	WriteTimeout time.Duration `yaml:"-"`
	ReadTimeout  time.Duration `yaml:"-"`

	PingIntervalRaw string `yaml:"ping_interval"`
	WriteTimeoutRaw string `yaml:"write_timeout"`
	ReadTimeoutRaw  string `yaml:"read_timeout"`
}

// RetrievalConfig configures the vector index over the log corpus
type RetrievalConfig struct {
	Enabled        bool   `yaml:"enabled"`
	IndexDir       string `yaml:"index_dir"`
	Collection     string `yaml:"collection"`
	EmbeddingModel string `yaml:"embedding_model"`
	EmbeddingURL   string `yaml:"embedding_url"`
	TopK           int    `yaml:"top_k"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// CorpusConfig points at the security log files to index
type CorpusConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`

	Debounce    time.Duration `yaml:"-"`
	DebounceRaw string        `yaml:"debounce"`
}

// GenerationConfig configures the language model backend and retry policy
type GenerationConfig struct {
	BackendURL         string  `yaml:"backend_url"`
	Model              string  `yaml:"model"`
	Temperature        float64 `yaml:"temperature"`
	MaxAttempts        int     `yaml:"max_attempts"`
	MaxOutputChars     int     `yaml:"max_output_chars"`
	MaxContextMessages int     `yaml:"max_context_messages"`

	Timeout        time.Duration `yaml:"-"`
	InitialBackoff time.Duration `yaml:"-"`
	MaxBackoff     time.Duration `yaml:"-"`

	TimeoutRaw        string `yaml:"timeout"`
	InitialBackoffRaw string `yaml:"initial_backoff"`
	MaxBackoffRaw     string `yaml:"max_backoff"`
}

// CommandsConfig configures the slash command surface
type CommandsConfig struct {
	Sigil string `yaml:"sigil"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: "127.0.0.1:8080"},
		Tailscale: TailscaleConfig{
			Hostname: "secchat",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "secchat.db",
		},
		Sessions: SessionsConfig{
			IdleTimeoutRaw:  "30m",
			ReapIntervalRaw: "1m",
			DedupeWindowRaw: "5m",
			ListLimit:       50,
		},
		Connections: ConnectionsConfig{
			SendBuffer:      64,
			InboundQueue:    8,
			MaxMessageSize:  64 * 1024,
			PingIntervalRaw: "30s",
			WriteTimeoutRaw: "10s",
			ReadTimeoutRaw:  "90s",
		},
		Retrieval: RetrievalConfig{
			Enabled:        true,
			IndexDir:       "index",
			Collection:     "security-logs",
			EmbeddingModel: "nomic-embed-text",
			EmbeddingURL:   "http://localhost:11434/api",
			TopK:           3,
			TimeoutRaw:     "5s",
		},
		Corpus: CorpusConfig{
			Dir:         "corpus",
			DebounceRaw: "2s",
		},
		Generation: GenerationConfig{
			BackendURL:         "http://localhost:11434",
			Model:              "llama3.1",
			Temperature:        0.2,
			MaxAttempts:        4,
			MaxOutputChars:     8000,
			MaxContextMessages: 20,
			TimeoutRaw:         "60s",
			InitialBackoffRaw:  "250ms",
			MaxBackoffRaw:      "4s",
		},
		Commands: CommandsConfig{Sigil: "/"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Values missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applying defaults, environment
// expansion, and validation.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// ErrNoConfig is returned by Resolve when no config file can be found.
var ErrNoConfig = errors.New("no configuration file found")

// Resolve picks the config file path: the explicit flag value, then
// $SECCHAT_CONFIG, then $XDG_CONFIG_HOME/secchat/gateway.yaml (falling back
// to ~/.config).
func Resolve(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	if p := os.Getenv("SECCHAT_CONFIG"); p != "" {
		return p, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", ErrNoConfig
		}
		base = filepath.Join(home, ".config")
	}
	p := filepath.Join(base, "secchat", "gateway.yaml")
	if _, err := os.Stat(p); err != nil {
		return "", ErrNoConfig
	}
	return p, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres", "mysql":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for %s", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, postgres, mysql, memory", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	positive := []struct {
		name  string
		value time.Duration
	}{
		{"sessions.idle_timeout", c.Sessions.IdleTimeout},
		{"sessions.reap_interval", c.Sessions.ReapInterval},
		{"sessions.dedupe_window", c.Sessions.DedupeWindow},
		{"connections.ping_interval", c.Connections.PingInterval},
		{"connections.write_timeout", c.Connections.WriteTimeout},
		{"connections.read_timeout", c.Connections.ReadTimeout},
		{"generation.timeout", c.Generation.Timeout},
		{"generation.initial_backoff", c.Generation.InitialBackoff},
		{"generation.max_backoff", c.Generation.MaxBackoff},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if c.Generation.MaxBackoff < c.Generation.InitialBackoff {
		return fmt.Errorf("generation.max_backoff must be >= generation.initial_backoff")
	}
	if c.Connections.ReadTimeout <= c.Connections.PingInterval {
		return fmt.Errorf("connections.read_timeout must exceed connections.ping_interval")
	}

	if c.Generation.MaxAttempts < 1 {
		return fmt.Errorf("generation.max_attempts must be at least 1")
	}
	if c.Generation.MaxOutputChars < 1 {
		return fmt.Errorf("generation.max_output_chars must be at least 1")
	}
	if c.Generation.MaxContextMessages < 1 {
		return fmt.Errorf("generation.max_context_messages must be at least 1")
	}
	if c.Connections.SendBuffer < 1 || c.Connections.InboundQueue < 1 {
		return fmt.Errorf("connections.send_buffer and connections.inbound_queue must be at least 1")
	}
	if c.Retrieval.Enabled && c.Retrieval.TopK < 1 {
		return fmt.Errorf("retrieval.top_k must be at least 1")
	}
	if c.Corpus.Watch && c.Corpus.Dir == "" {
		return fmt.Errorf("corpus.dir is required when corpus.watch is enabled")
	}

	sigil := []rune(c.Commands.Sigil)
	if len(sigil) != 1 || strings.TrimSpace(c.Commands.Sigil) == "" {
		return fmt.Errorf("commands.sigil must be a single non-space character")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"idle_timeout", cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout},
		{"reap_interval", cfg.Sessions.ReapIntervalRaw, &cfg.Sessions.ReapInterval},
		{"dedupe_window", cfg.Sessions.DedupeWindowRaw, &cfg.Sessions.DedupeWindow},
		{"ping_interval", cfg.Connections.PingIntervalRaw, &cfg.Connections.PingInterval},
		{"write_timeout", cfg.Connections.WriteTimeoutRaw, &cfg.Connections.WriteTimeout},
		{"read_timeout", cfg.Connections.ReadTimeoutRaw, &cfg.Connections.ReadTimeout},
		{"retrieval.timeout", cfg.Retrieval.TimeoutRaw, &cfg.Retrieval.Timeout},
		{"debounce", cfg.Corpus.DebounceRaw, &cfg.Corpus.Debounce},
		{"generation.timeout", cfg.Generation.TimeoutRaw, &cfg.Generation.Timeout},
		{"initial_backoff", cfg.Generation.InitialBackoffRaw, &cfg.Generation.InitialBackoff},
		{"max_backoff", cfg.Generation.MaxBackoffRaw, &cfg.Generation.MaxBackoff},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
