package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  port: 9000
storage:
  url: memory://
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.HTTP.Port)
	assert.Equal(t, "memory://", cfg.Storage.URL)
	assert.Equal(t, 720*time.Hour, cfg.Storage.MaxSyncTokenAge)
	assert.Equal(t, "@hourly", cfg.Storage.CleanupSchedule)
	assert.Equal(t, "owner_only", cfg.Rights.Type)
	assert.Equal(t, 8, cfg.PG.PoolMax)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("rights:\n  type: owner_only\n"), 0o600))
	t.Setenv("RIGHTS_TYPE", "authenticated")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "authenticated", cfg.Rights.Type)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestShippedConfigParses(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yml"))
	require.NoError(t, err)
	assert.True(t, cfg.Storage.Watch)
	assert.Equal(t, "5232", cfg.HTTP.Port)
}
