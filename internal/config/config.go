package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// API configuration for the archive service.
	API APIConfig `json:"api"`

	// Store paths.
	Store StoreConfig `json:"store"`

	// Queue behavior.
	Queue QueueConfig `json:"queue"`

	// Logging.
	Log LogConfig `json:"log"`
}

// APIConfig for server communication.
type APIConfig struct {
	BaseURL    string        `json:"base_url"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
	UserAgent  string        `json:"user_agent"`

	// BackupKeyHex seeds the per-tier media-id derivation used when
	// reconciling against the remote listing.
	BackupKeyHex string `json:"backup_key_hex,omitempty"`
}

// StoreConfig for local persistence paths.
type StoreConfig struct {
	DataDir string `json:"data_dir"` // Base directory for all data
	DBPath  string `json:"db_path"`  // SQLite database path
}

// QueueConfig for transfer queue behavior.
type QueueConfig struct {
	UploadConcurrency   int `json:"upload_concurrency"`   // Concurrent upload tasks
	DownloadConcurrency int `json:"download_concurrency"` // Concurrent download tasks
	BatchSize           int `json:"batch_size"`           // Tasks peeked per batch

	// RequireWifi blocks all queue work off wifi.
	RequireWifi bool `json:"require_wifi"`

	// FullsizeOverCellular permits fullsize downloads on cellular when
	// the queue itself is allowed to run there.
	FullsizeOverCellular bool `json:"fullsize_over_cellular"`

	// PrimaryDevice selects the reconciler's unmatched-remote behavior:
	// only the primary flags unknown remote objects for deletion.
	PrimaryDevice bool `json:"primary_device"`

	// OpportunisticMaxAge bounds how old an attachment may be before its
	// fullsize download is deferred to backfill priority.
	OpportunisticMaxAge time.Duration `json:"opportunistic_max_age"`

	// OpportunisticMaxBytes bounds fullsize downloads enqueued without an
	// explicit user request.
	OpportunisticMaxBytes int64 `json:"opportunistic_max_bytes"`

	// PendingByteBudget caps the total bytes awaiting download; zero
	// disables the cap.
	PendingByteBudget int64 `json:"pending_byte_budget"`

	// MaxBackoff caps the exponential retry delay.
	MaxBackoff time.Duration `json:"max_backoff"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level     string `json:"level"`     // debug, info, warn, error
	Format    string `json:"format"`    // text, json
	File      string `json:"file"`      // Log file path (empty = stdout)
	Color     bool   `json:"color"`     // Enable colored output
	Timestamp bool   `json:"timestamp"` // Include timestamps
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".attachsync"

	return &Config{
		API: APIConfig{
			BaseURL:    "https://archive.example.org",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			UserAgent:  "attachsync/1.0",
		},
		Store: StoreConfig{
			DataDir: dataDir,
			DBPath:  filepath.Join(dataDir, "attachsync.db"),
		},
		Queue: QueueConfig{
			UploadConcurrency:     8,
			DownloadConcurrency:   4,
			BatchSize:             16,
			RequireWifi:           false,
			FullsizeOverCellular:  true,
			PrimaryDevice:         true,
			OpportunisticMaxAge:   30 * 24 * time.Hour,
			OpportunisticMaxBytes: 100 * 1024 * 1024,
			PendingByteBudget:     0,
			MaxBackoff:            time.Hour,
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "text",
			File:      "",
			Color:     true,
			Timestamp: true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.Store.DBPath == "" {
		return errors.New("store.db_path is required")
	}

	if c.Queue.UploadConcurrency <= 0 {
		return errors.New("queue.upload_concurrency must be positive")
	}

	if c.Queue.DownloadConcurrency <= 0 {
		return errors.New("queue.download_concurrency must be positive")
	}

	if c.Queue.BatchSize <= 0 {
		return errors.New("queue.batch_size must be positive")
	}

	if c.Queue.MaxBackoff <= 0 {
		return errors.New("queue.max_backoff must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Store.DataDir,
		filepath.Dir(c.Store.DBPath),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
