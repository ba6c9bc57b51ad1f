package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.json")

	cfg, first, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, first)
	assert.FileExists(t, path)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, filepath.Join(dir, "sub", "partsync.db"), cfg.Database.DSN)

	again, first, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, cfg.Storage.Driver, again.Storage.Driver)
	assert.Equal(t, cfg.Ingest.StagingDir, again.Ingest.StagingDir)

	name, raw, err := again.StorageBackend()
	require.NoError(t, err)
	assert.Equal(t, "local", name)
	assert.Contains(t, string(raw), "base_url")
}

func TestValidateFillsZeroValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"workers": 0, "storage": {"driver": "s3"}}`), 0o644))

	cfg, _, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
	assert.EqualValues(t, 10*1024*1024, cfg.Ingest.ChunkSizeThreshold)
	assert.Equal(t, 100, cfg.Ingest.ChunkRowThreshold)
	assert.Equal(t, "report", cfg.Stuck.Policy)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, 10, cfg.Storefront.BatchSize)

	_, _, err = cfg.StorageBackend()
	assert.Error(t, err, "s3 selected but not configured")
}

func TestLoadOrCreateRejectsBrokenJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, _, err := LoadOrCreate(path)
	assert.ErrorContains(t, err, "parse config")
}
