package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string
}

// Load reads configuration from configPath (or $ATTACHSYNC_CONFIG, or the
// default locations) merged with environment overrides.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = os.Getenv("ATTACHSYNC_CONFIG")
	}
	return NewLoader(configPath).Load()
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "ATTACHSYNC_",
	}
}

// Load reads configuration from file and environment.
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Load from file if exists
	if l.configPath != "" {
		if err := l.loadFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		// Try default locations
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				l.configPath = path
				if err := l.loadFile(cfg); err != nil {
					return nil, fmt.Errorf("load config file %s: %w", path, err)
				}
				break
			}
		}
	}

	// Override with environment variables
	if err := l.loadEnv(cfg); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	// Validate final config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"attachsync.json",
		".attachsync.json",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "attachsync", "config.json"),
			filepath.Join(homeDir, ".attachsync", "config.json"),
		)
	}

	return paths
}

// loadFile reads config from JSON file.
func (l *Loader) loadFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}

	return nil
}

// loadEnv overrides config from environment variables.
func (l *Loader) loadEnv(cfg *Config) error {
	// API settings
	if v := os.Getenv(l.envPrefix + "API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}

	if v := os.Getenv(l.envPrefix + "API_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse API_TIMEOUT: %w", err)
		}
		cfg.API.Timeout = d
	}

	if v := os.Getenv(l.envPrefix + "BACKUP_KEY"); v != "" {
		cfg.API.BackupKeyHex = v
	}

	// Store settings
	if v := os.Getenv(l.envPrefix + "DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
		// Update dependent paths
		cfg.Store.DBPath = filepath.Join(v, "attachsync.db")
	}

	// Queue settings
	if v := os.Getenv(l.envPrefix + "UPLOAD_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse UPLOAD_CONCURRENCY: %w", err)
		}
		cfg.Queue.UploadConcurrency = n
	}

	if v := os.Getenv(l.envPrefix + "DOWNLOAD_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse DOWNLOAD_CONCURRENCY: %w", err)
		}
		cfg.Queue.DownloadConcurrency = n
	}

	if v := os.Getenv(l.envPrefix + "REQUIRE_WIFI"); v != "" {
		cfg.Queue.RequireWifi = v == "true" || v == "1"
	}

	if v := os.Getenv(l.envPrefix + "PRIMARY_DEVICE"); v != "" {
		cfg.Queue.PrimaryDevice = v == "true" || v == "1"
	}

	// Log settings
	if v := os.Getenv(l.envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}

	if v := os.Getenv(l.envPrefix + "LOG_FORMAT"); v != "" {
		cfg.Log.Format = strings.ToLower(v)
	}

	if v := os.Getenv(l.envPrefix + "LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	return nil
}
