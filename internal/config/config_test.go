package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv(EnvReadSecret, "read-secret")
	t.Setenv(EnvPollInterval, "2500")
	t.Setenv(EnvWorkerSharedSecret, "shared")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8787", cfg.Server.Port)
	assert.Equal(t, "read-secret", cfg.Server.ReadSecret)
	assert.Equal(t, 2500, cfg.Dispatch.PollIntervalMs)
	assert.True(t, cfg.Gov.Strict)
	assert.True(t, cfg.Limits.Enabled)
}

func TestLoadYAMLFile(t *testing.T) {
	t.Setenv(EnvReadSecret, "read-secret")
	path := filepath.Join(t.TempDir(), "cp.yaml")
	doc := `
server:
  port: "9000"
gov:
  strict: false
dispatch:
  poll_interval_ms: 500
workers:
  - id: worker-1
    local_port: 8790
    remote_port: 8790
    max_wip: 3
    groups: [developer, security]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	t.Setenv(EnvWorkerSharedSecret, "shared")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.False(t, cfg.Gov.Strict)
	assert.Equal(t, 500, cfg.Dispatch.PollIntervalMs)
	require.Len(t, cfg.Workers, 1)
	assert.Equal(t, "shared", cfg.Workers[0].SharedSecret)
	assert.Equal(t, []string{"developer", "security"}, cfg.Workers[0].Groups)
}

func TestLoadRejectsMissingReadSecret(t *testing.T) {
	t.Setenv(EnvReadSecret, "")
	_, err := Load("")
	require.Error(t, err)
}

func TestPerWorkerSecretOverride(t *testing.T) {
	t.Setenv(EnvReadSecret, "read-secret")
	t.Setenv(EnvWorkerSharedSecret, "shared")
	t.Setenv("WORKER_SECRET_WORKER_1", "special")

	cfg := Default()
	cfg.Workers = []WorkerEntry{
		{ID: "worker-1", LocalPort: 1, Groups: []string{"developer"}},
		{ID: "worker-2", LocalPort: 2, Groups: []string{"security"}},
	}
	cfg.applyEnv()

	assert.Equal(t, "special", cfg.Workers[0].SharedSecret)
	assert.Equal(t, "shared", cfg.Workers[1].SharedSecret)
}

func TestEnvKillSwitches(t *testing.T) {
	t.Setenv(EnvReadSecret, "read-secret")
	t.Setenv("LIMITS_ENABLED", "false")
	t.Setenv("EXT_CALLS_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Limits.Enabled)
	assert.False(t, cfg.Limits.ExtCallsEnabled)
	assert.True(t, cfg.Limits.EmbeddingsEnabled)
}
