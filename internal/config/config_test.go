package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Pool.MaxSize)
	assert.Equal(t, 5*time.Minute, cfg.Pool.MaxIdleAge)
	assert.Equal(t, 500, cfg.Tasks.MaxLogs)
	assert.Equal(t, "docker", cfg.Backend.Kind)
	assert.Equal(t, "browserless/chrome:latest", cfg.Backend.Docker.Image)
	assert.Equal(t, []string{"*"}, cfg.Security.AllowedOrigins)
}

func TestLoadConfig_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
pool:
  maxSize: 2
  maxIdleAge: 30s
tasks:
  maxLogs: 20
backend:
  kind: remote
  remote:
    baseURL: http://profiles.internal:9000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Pool.MaxSize)
	assert.Equal(t, 30*time.Second, cfg.Pool.MaxIdleAge)
	assert.Equal(t, 20, cfg.Tasks.MaxLogs)
	assert.Equal(t, "remote", cfg.Backend.Kind)
	assert.Equal(t, "http://profiles.internal:9000", cfg.Backend.Remote.BaseURL)
	// untouched keys keep their defaults
	assert.Equal(t, 3, cfg.Tasks.DefaultConcurrency)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PROFILEPOOL_POOL_MAXSIZE", "7")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pool.MaxSize)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 100, cfg.Tasks.RecentResults)
	assert.Equal(t, time.Minute, cfg.Pool.SweepInterval)
}
