package config

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate_NormalizesAndDefaults(t *testing.T) {
	tmp := t.TempDir()
	cfg := &Config{
		DataDir:  filepath.Join(tmp, "data", "..", "data"),
		LogLevel: " DEBUG ",
		Path:     filepath.Join(tmp, "config.json"),
	}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join(tmp, "data"), cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "us-east-1", cfg.S3Region)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestConfig_Validate_ErrorsOnInvalidInputs(t *testing.T) {
	tmp := t.TempDir()

	t.Run("missing data dir", func(t *testing.T) {
		err := (&Config{}).Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "data dir")
	})

	t.Run("bad log level", func(t *testing.T) {
		err := (&Config{DataDir: tmp, LogLevel: "loud"}).Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "log level")
	})

	t.Run("negative workers", func(t *testing.T) {
		err := (&Config{DataDir: tmp, IOWorkers: -1}).Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "io workers")
	})

	t.Run("negative keep alive", func(t *testing.T) {
		err := (&Config{DataDir: tmp, KeepAlive: -time.Second}).Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "keep alive")
	})
}

func TestConfig_SaveLoad(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "nested", "config.json")

	cfg := Default()
	cfg.DataDir = filepath.Join(tmp, "data")
	cfg.IOWorkers = 3
	cfg.KeepAlive = 2 * time.Second
	cfg.S3Region = "eu-central-1"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.DataDir, loaded.DataDir)
	assert.Equal(t, 3, loaded.IOWorkers)
	assert.Equal(t, 2*time.Second, loaded.KeepAlive)
	assert.Equal(t, "eu-central-1", loaded.S3Region)
	assert.Equal(t, "info", loaded.LogLevel)
	assert.Equal(t, path, loaded.Path)

	_, err = Load(filepath.Join(tmp, "missing.json"))
	require.Error(t, err)
}
