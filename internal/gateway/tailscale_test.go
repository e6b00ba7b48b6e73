package gateway

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/config"
)

func fakeEnv(home string, homeErr error, vars map[string]string) tailnetEnv {
	return tailnetEnv{
		home:   func() (string, error) { return home, homeErr },
		getenv: func(k string) string { return vars[k] },
	}
}

func TestTailnetEnv_StateDir(t *testing.T) {
	tests := []struct {
		name       string
		env        tailnetEnv
		configured string
		want       string
		wantErr    bool
	}{
		{"configured wins", fakeEnv("/home/ana", nil, nil), "/var/lib/secchat/ts", "/var/lib/secchat/ts", false},
		{"default under home", fakeEnv("/home/ana", nil, nil), "", "/home/ana/.local/share/secchat/tailscale", false},
		{"no home", fakeEnv("", errors.New("$HOME is not defined"), nil), "", "", true},
		{"configured without home", fakeEnv("", errors.New("$HOME is not defined"), nil), "/srv/ts", "/srv/ts", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.env.stateDir(tt.configured)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "tailscale.state_dir")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.FromSlash(tt.want), got)
		})
	}
}

func TestTailnetEnv_AuthKey(t *testing.T) {
	tests := []struct {
		name       string
		vars       map[string]string
		configured string
		want       string
		wantErr    bool
	}{
		{"configured wins over environment", map[string]string{"TS_AUTHKEY": "tskey-env"}, "tskey-cfg", "tskey-cfg", false},
		{"environment fallback", map[string]string{"TS_AUTHKEY": "tskey-env"}, "", "tskey-env", false},
		{"missing", nil, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fakeEnv("/home/ana", nil, tt.vars).authKey(tt.configured)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "TS_AUTHKEY")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTailnetEnv_Node(t *testing.T) {
	home := t.TempDir()
	env := fakeEnv(home, nil, map[string]string{"TS_AUTHKEY": "tskey-env"})

	srv, err := env.node(config.TailscaleConfig{Enabled: true, Hostname: "secchat", Ephemeral: true})
	require.NoError(t, err)
	assert.Equal(t, "secchat", srv.Hostname)
	assert.Equal(t, "tskey-env", srv.AuthKey)
	assert.True(t, srv.Ephemeral)
	assert.Equal(t, filepath.Join(home, ".local", "share", "secchat", "tailscale"), srv.Dir)

	info, err := os.Stat(srv.Dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = fakeEnv(home, nil, nil).node(config.TailscaleConfig{Hostname: "secchat"})
	assert.Error(t, err, "no auth key anywhere")
}

func TestTailnetPorts(t *testing.T) {
	cfg := &config.Config{}
	httpPort, grpcPort := tailnetPorts(cfg)
	assert.Equal(t, ":80", httpPort)
	assert.Empty(t, grpcPort)

	cfg.Tailscale.HTTPS = true
	cfg.Server.GRPCAddr = ":50051"
	httpPort, grpcPort = tailnetPorts(cfg)
	assert.Equal(t, ":443", httpPort)
	assert.Equal(t, ":50051", grpcPort)
}
