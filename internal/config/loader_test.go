package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, loaded, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	yaml := `
database:
  host: db.internal
  port: 6543
import:
  batch_size: 250
  stall_timeout: 90s
redis:
  addr: localhost:6379
log:
  format: json
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("ASSETIMPORT_IMPORT_WORKERS", "9")
	t.Setenv("ASSETIMPORT_DATABASE_HOST", "env-host")

	cfg, loaded, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "env-host", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 250, cfg.Import.BatchSize)
	assert.Equal(t, 9, cfg.Import.Workers)
	assert.Equal(t, 90*time.Second, cfg.Import.StallTimeout)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("ASSETIMPORT_IMPORT_BATCH_SIZE", "0")
	_, _, err := Load(t.TempDir())
	assert.ErrorContains(t, err, "import.batch_size")
}
