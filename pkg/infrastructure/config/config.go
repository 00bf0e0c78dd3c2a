// Package config loads Orchard configuration from defaults, an optional JSON
// file, and environment variable overrides, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// Config holds all Orchard configuration.
type Config struct {
	// HTTP server
	Server ServerConfig `json:"server"`

	// Blob store (S3-compatible)
	Blob BlobConfig `json:"blob"`

	// Task store database
	Store StoreConfig `json:"store"`

	// Cleanup defaults; the persisted settings in the task store override
	// these at runtime.
	Cleanup CleanupConfig `json:"cleanup"`

	// Proof-of-work difficulty in leading zero bits, clamped to [16, 24].
	PowDifficulty int `json:"pow_difficulty"`

	// Optional public CDN domain for package downloads. Must match
	// ^[\w.-]+$ or it is ignored.
	CDNDomain string `json:"cdn_domain"`

	// Logging
	Logging LoggingConfig `json:"logging"`

	// Build metadata, reported by GET /api/settings.
	BuildCommit string `json:"-"`
	BuildDate   string `json:"-"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr     string `json:"addr"`
	MaxConns int    `json:"max_conns"`
}

// BlobConfig holds S3-compatible blob store settings.
type BlobConfig struct {
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// StoreConfig holds task store settings.
type StoreConfig struct {
	Path string `json:"path"`
}

// CleanupConfig holds janitor defaults.
type CleanupConfig struct {
	Days  int `json:"days"`
	MaxMB int `json:"max_mb"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

const (
	defaultPowDifficulty = 18
	minPowDifficulty     = 16
	maxPowDifficulty     = 24
)

var cdnDomainPattern = regexp.MustCompile(`^[\w.-]+$`)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":8080",
			MaxConns: 512,
		},
		Blob: BlobConfig{
			Region: "auto",
		},
		Store: StoreConfig{
			Path: "orchard.db",
		},
		Cleanup: CleanupConfig{
			Days:  0,
			MaxMB: 0,
		},
		PowDifficulty: defaultPowDifficulty,
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// Load loads configuration from an optional file path with environment
// variable overrides applied on top.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, c)
}

func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("ORCHARD_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("ORCHARD_DB"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("S3_ENDPOINT"); val != "" {
		c.Blob.Endpoint = val
	}
	if val := os.Getenv("S3_REGION"); val != "" {
		c.Blob.Region = val
	}
	if val := os.Getenv("S3_BUCKET"); val != "" {
		c.Blob.Bucket = val
	}
	if val := os.Getenv("S3_ACCESS_KEY_ID"); val != "" {
		c.Blob.AccessKey = val
	}
	if val := os.Getenv("S3_SECRET_ACCESS_KEY"); val != "" {
		c.Blob.SecretKey = val
	}
	if val := os.Getenv("AUTO_CLEANUP_DAYS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			c.Cleanup.Days = n
		}
	}
	if val := os.Getenv("AUTO_CLEANUP_MAX_MB"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			c.Cleanup.MaxMB = n
		}
	}
	if val := os.Getenv("POW_DIFFICULTY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.PowDifficulty = n
		}
	}
	if val := os.Getenv("R2_CDN_DOMAIN"); val != "" {
		c.CDNDomain = val
	}
	if val := os.Getenv("BUILD_COMMIT"); val != "" {
		c.BuildCommit = val
	}
	if val := os.Getenv("BUILD_DATE"); val != "" {
		c.BuildDate = val
	}
	if val := os.Getenv("ORCHARD_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("ORCHARD_LOG_PRETTY"); val != "" {
		c.Logging.Pretty = val == "true" || val == "1"
	}
}

// Validate normalizes and checks the configuration.
func (c *Config) Validate() error {
	if c.PowDifficulty < minPowDifficulty {
		c.PowDifficulty = minPowDifficulty
	}
	if c.PowDifficulty > maxPowDifficulty {
		c.PowDifficulty = maxPowDifficulty
	}
	if c.CDNDomain != "" && !cdnDomainPattern.MatchString(c.CDNDomain) {
		c.CDNDomain = ""
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server address must not be empty")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("task store path must not be empty")
	}
	return nil
}
