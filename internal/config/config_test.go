package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8, cfg.Queue.UploadConcurrency)
	assert.Equal(t, 4, cfg.Queue.DownloadConcurrency)
	assert.True(t, cfg.Queue.PrimaryDevice)
	assert.Equal(t, time.Hour, cfg.Queue.MaxBackoff)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty base url", func(c *Config) { c.API.BaseURL = "" }},
		{"zero timeout", func(c *Config) { c.API.Timeout = 0 }},
		{"empty db path", func(c *Config) { c.Store.DBPath = "" }},
		{"zero upload concurrency", func(c *Config) { c.Queue.UploadConcurrency = 0 }},
		{"negative download concurrency", func(c *Config) { c.Queue.DownloadConcurrency = -1 }},
		{"zero batch size", func(c *Config) { c.Queue.BatchSize = 0 }},
		{"zero max backoff", func(c *Config) { c.Queue.MaxBackoff = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
        "api": {"base_url": "https://archive.test"},
        "queue": {"upload_concurrency": 2, "require_wifi": true}
    }`), 0600))

	t.Setenv("ATTACHSYNC_UPLOAD_CONCURRENCY", "6")
	t.Setenv("ATTACHSYNC_PRIMARY_DEVICE", "0")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://archive.test", cfg.API.BaseURL)
	assert.True(t, cfg.Queue.RequireWifi)
	assert.Equal(t, 6, cfg.Queue.UploadConcurrency, "env wins over file")
	assert.False(t, cfg.Queue.PrimaryDevice)

	// Untouched values keep their defaults.
	assert.Equal(t, 4, cfg.Queue.DownloadConcurrency)
}

func TestLoadBadEnvValue(t *testing.T) {
	t.Setenv("ATTACHSYNC_UPLOAD_CONCURRENCY", "lots")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Store.DataDir = filepath.Join(dir, "data")
	cfg.Store.DBPath = filepath.Join(dir, "data", "db", "attachsync.db")
	cfg.Log.File = filepath.Join(dir, "logs", "attachsync.log")

	require.NoError(t, cfg.EnsureDirectories())

	for _, p := range []string{cfg.Store.DataDir, filepath.Dir(cfg.Store.DBPath), filepath.Dir(cfg.Log.File)} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
