package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sideboard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(configFilesVar, "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8282", cfg.ListenAddr)
	assert.Equal(t, 10, cfg.WS.ThreadPool)
	assert.Equal(t, 10*time.Second, cfg.WS.CallTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.WS.PollInterval.Std())
	assert.False(t, cfg.Debug)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
debug: true
ws:
  thread_pool: 4
  call_timeout: 2s
rpc_services:
  warehouse:
    url: wss://warehouse.example.com/wsrpc
    jsonrpc_url: https://warehouse.example.com/jsonrpc
`)
	t.Setenv(configFilesVar, path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, 4, cfg.WS.ThreadPool)
	assert.Equal(t, 2*time.Second, cfg.WS.CallTimeout.Std())
	// Defaults survive when the file does not mention them.
	assert.Equal(t, 30*time.Second, cfg.WS.PollInterval.Std())
	assert.Equal(t, "wss://warehouse.example.com/wsrpc", cfg.RPCServices["warehouse"].URL)
}

func TestLoad_LaterFileWins(t *testing.T) {
	first := writeConfigFile(t, "ws:\n  thread_pool: 4\n")
	second := writeConfigFile(t, "ws:\n  thread_pool: 8\n")
	t.Setenv(configFilesVar, first+";"+second)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.WS.ThreadPool)
}

func TestLoad_EnvOverridesParseAsYAMLScalars(t *testing.T) {
	t.Setenv(configFilesVar, "")
	t.Setenv("SIDEBOARD_DEBUG", "true")
	t.Setenv("SIDEBOARD_WS_CALL_TIMEOUT", "5")
	t.Setenv("SIDEBOARD_WS_THREAD_POOL", "3")
	t.Setenv("SIDEBOARD_DATABASE_HOST", "db.internal")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, 5*time.Second, cfg.WS.CallTimeout.Std())
	assert.Equal(t, 3, cfg.WS.ThreadPool)
	assert.Equal(t, "db.internal", cfg.Database.Host)
}

func TestLoad_RPCServiceShorthand(t *testing.T) {
	path := writeConfigFile(t, `
rpc_services:
  warehouse: wss://warehouse.example.com/wsrpc
`)
	t.Setenv(configFilesVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "wss://warehouse.example.com/wsrpc", cfg.RPCServices["warehouse"].URL)
}

func TestLoad_TemplateExpansion(t *testing.T) {
	t.Setenv("DB_PASSWORD", "p@ss$word")
	path := writeConfigFile(t, `
database:
  password: "{{.DB_PASSWORD}}"
  user: "literal$dollar"
`)
	t.Setenv(configFilesVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "p@ss$word", cfg.Database.Password)
	assert.Equal(t, "literal$dollar", cfg.Database.User)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"zero thread pool", "ws:\n  thread_pool: -1\n", "thread_pool"},
		{"missing service url", "rpc_services:\n  broken:\n    client_cert: /some/path\n", "url is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(configFilesVar, writeConfigFile(t, tt.content))
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration_Forms(t *testing.T) {
	path := writeConfigFile(t, `
ws:
  call_timeout: 1m30s
  poll_interval: 2.5
`)
	t.Setenv(configFilesVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.WS.CallTimeout.Std())
	assert.Equal(t, 2500*time.Millisecond, cfg.WS.PollInterval.Std())
}
