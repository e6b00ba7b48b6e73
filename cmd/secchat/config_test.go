package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_SECCHAT_TOKEN", "from-env")
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
url = "http://localhost:8080"
token = "${TEST_SECCHAT_TOKEN}"
session = "s-42"
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Token)
	assert.Equal(t, "s-42", cfg.Session)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "ws://localhost:8080/ws", cfg.URL)
}

func TestLoadConfigMissingFileIsEmpty(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestLoadConfigRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte("url = "), 0o600))
	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "parsing config")
}

func TestValidate(t *testing.T) {
	t.Setenv("SECCHAT_TOKEN", "")

	tests := []struct {
		name    string
		cfg     Config
		wantURL string
		wantErr string
	}{
		{name: "https becomes wss", cfg: Config{URL: "https://chat.example/secchat/", Token: "t"}, wantURL: "wss://chat.example/secchat/ws"},
		{name: "ws path kept", cfg: Config{URL: "ws://127.0.0.1:8080/ws", Token: "t"}, wantURL: "ws://127.0.0.1:8080/ws"},
		{name: "missing token", cfg: Config{URL: "ws://x"}, wantErr: "token is required"},
		{name: "missing url", cfg: Config{Token: "t"}, wantErr: "url is required"},
		{name: "bad scheme", cfg: Config{URL: "ftp://x", Token: "t"}, wantErr: "scheme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, cfg.URL)
		})
	}
}

func TestValidateTokenFromEnvironment(t *testing.T) {
	t.Setenv("SECCHAT_TOKEN", "env-token")
	cfg := Config{URL: "ws://x"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "env-token", cfg.Token)
}
