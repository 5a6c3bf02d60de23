package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/skiff", cfg.DataDir)
	assert.Equal(t, 10*time.Second, cfg.Instances.Interval)
	assert.Equal(t, 3*time.Minute, cfg.RetryWindow)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/skiff
worker_cap: 16
instances:
  interval: 30s
  batch_size: 10
retry_window: 5m
backends:
  - kind: vastai
    credentials:
      api_key: secret
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/skiff", cfg.DataDir)
	assert.Equal(t, 16, cfg.WorkerCap)
	assert.Equal(t, 30*time.Second, cfg.Instances.Interval)
	assert.Equal(t, 10, cfg.Instances.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.RetryWindow)
	// Untouched sections keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Jobs.Interval)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "vastai", cfg.Backends[0].Kind)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instances:
  interval: 0s
  batch_size: 10
`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	require.Error(t, err)
}
