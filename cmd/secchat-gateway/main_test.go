package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/auth"
	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/config"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: memory
auth:
  jwt_secret: "`+testSecret+`"
`), 0o600))
	return path
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--config", writeConfig(t), "--user", "alice", "--role", "analyst"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	id, err := v.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, auth.RoleAnalyst, id.Role)
}

func TestTokenCommandRejectsUnknownRole(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"token", "--config", writeConfig(t), "--user", "alice", "--role", "root"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "dev\n", out.String())
}

func TestCheckHealth(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			http.Error(w, "inference backend unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	var out bytes.Buffer
	require.NoError(t, checkHealth(context.Background(), &out, srv.URL))
	assert.Equal(t, "healthy\n", out.String())

	healthy = false
	err := checkHealth(context.Background(), &out, srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "gateway").WithGroup("conn").Warn("slow client", "id", "c1")

	line := buf.String()
	assert.NotContains(t, line, "hidden")
	assert.Contains(t, line, "WRN slow client")
	assert.Contains(t, line, " component=gateway")
	assert.NotContains(t, line, "conn.component")
	assert.Contains(t, line, "conn.id=c1")
}
