// ABOUTME: Tests for config loading: env expansion, duration parsing, defaults, validation.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadCompleteConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"

database:
  path: ":memory:"

auth:
  tokens:
    - "t1"
    - "t2"

gateway:
  heartbeat_interval: "20s"
  call_timeout: "10s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, []string{"t1", "t2"}, cfg.Auth.Tokens)
	assert.Equal(t, 20*time.Second, cfg.Gateway.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Gateway.CallTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadAppliesTimingDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultHeartbeatInterval, cfg.Gateway.HeartbeatInterval)
	assert.Equal(t, DefaultCallTimeout, cfg.Gateway.CallTimeout)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("QUETEL_TEST_TOKEN", "secret-from-env")

	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
auth:
  tokens:
    - "${QUETEL_TEST_TOKEN}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"secret-from-env"}, cfg.Auth.Tokens)
}

func TestLoadRejectsMissingHTTPAddr(t *testing.T) {
	path := writeConfig(t, `
database:
  path: ":memory:"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.http_addr")
}

func TestLoadRejectsMissingDatabasePath(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
gateway:
  heartbeat_interval: "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestLoadRejectsTooShortHeartbeat(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: ":memory:"
gateway:
  heartbeat_interval: "100ms"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
