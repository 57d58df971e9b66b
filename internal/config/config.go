// Package config provides configuration loading and validation for the CLI
// and server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the application configuration that can be loaded from a JSON
// file. All fields are optional; missing values use defaults or must be
// provided via CLI flags or the environment.
type Config struct {
	// Paths
	TemplateDir string `json:"template_dir,omitempty"` // Directory of pipeline template YAML files

	// Generation
	APIKey      string   `json:"api_key,omitempty"`      // Gemini API key
	Models      []string `json:"models,omitempty"`       // Model preference order
	Temperature float64  `json:"temperature,omitempty"`  // Sampling temperature
	Scope       string   `json:"scope,omitempty"`        // Cache and run isolation scope

	// Persistence
	DatabaseURL string `json:"database_url,omitempty"` // PostgreSQL connection URL; empty means in-memory

	// Artifact storage
	MinioEndpoint  string `json:"minio_endpoint,omitempty"`
	MinioAccessKey string `json:"minio_access_key,omitempty"`
	MinioSecretKey string `json:"minio_secret_key,omitempty"`
	MinioBucket    string `json:"minio_bucket,omitempty"`
	MinioUseSSL    bool   `json:"minio_use_ssl,omitempty"`

	// Cache
	CacheCapacity int    `json:"cache_capacity,omitempty"` // Memory tier entry limit
	CacheTTLHours int    `json:"cache_ttl_hours,omitempty"`

	// Orchestration
	Concurrency   int `json:"concurrency,omitempty"`    // Max stages running at once per run
	SnapshotEvery int `json:"snapshot_every,omitempty"` // Events between state snapshots

	// Server
	ListenAddr string `json:"listen_addr,omitempty"` // HTTP listen address

	// Behavior
	Verbose bool `json:"verbose,omitempty"` // Print detailed debug information
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// FromEnv fills unset fields from environment variables. CLI flags and the
// config file win over the environment.
func (c *Config) FromEnv() {
	if c.APIKey == "" {
		c.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.MinioEndpoint == "" {
		c.MinioEndpoint = os.Getenv("MINIO_ENDPOINT")
	}
	if c.MinioAccessKey == "" {
		c.MinioAccessKey = os.Getenv("MINIO_ACCESS_KEY")
	}
	if c.MinioSecretKey == "" {
		c.MinioSecretKey = os.Getenv("MINIO_SECRET_KEY")
	}
	if c.MinioBucket == "" {
		c.MinioBucket = os.Getenv("MINIO_BUCKET")
	}
}

// Validate checks that the configuration has valid values.
// Required fields are handled by CLI flag validation after merging.
func (c *Config) Validate() error {
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("config error: 'temperature' must be between 0 and 2")
	}
	if c.CacheCapacity < 0 {
		return fmt.Errorf("config error: 'cache_capacity' must be non-negative")
	}
	if c.CacheTTLHours < 0 {
		return fmt.Errorf("config error: 'cache_ttl_hours' must be non-negative")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("config error: 'concurrency' must be non-negative")
	}
	if c.SnapshotEvery < 0 {
		return fmt.Errorf("config error: 'snapshot_every' must be non-negative")
	}

	if c.TemplateDir != "" {
		if _, err := os.Stat(c.TemplateDir); os.IsNotExist(err) {
			return fmt.Errorf("config error: template directory not found: %s", c.TemplateDir)
		}
	}

	return nil
}

// MergeWithDefaults returns a new Config with zero-valued fields filled from
// defaults. This is used to apply config file values as defaults for CLI
// flags.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	if result.TemplateDir == "" {
		result.TemplateDir = defaults.TemplateDir
	}
	if result.APIKey == "" {
		result.APIKey = defaults.APIKey
	}
	if len(result.Models) == 0 {
		result.Models = defaults.Models
	}
	if result.Scope == "" {
		result.Scope = defaults.Scope
	}
	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.MinioEndpoint == "" {
		result.MinioEndpoint = defaults.MinioEndpoint
	}
	if result.MinioAccessKey == "" {
		result.MinioAccessKey = defaults.MinioAccessKey
	}
	if result.MinioSecretKey == "" {
		result.MinioSecretKey = defaults.MinioSecretKey
	}
	if result.MinioBucket == "" {
		result.MinioBucket = defaults.MinioBucket
	}
	if result.ListenAddr == "" {
		result.ListenAddr = defaults.ListenAddr
	}

	if result.CacheCapacity == 0 {
		result.CacheCapacity = defaults.CacheCapacity
	}
	if result.CacheTTLHours == 0 {
		result.CacheTTLHours = defaults.CacheTTLHours
	}
	if result.Concurrency == 0 {
		result.Concurrency = defaults.Concurrency
	}
	if result.SnapshotEvery == 0 {
		result.SnapshotEvery = defaults.SnapshotEvery
	}

	if result.Temperature == 0 {
		result.Temperature = defaults.Temperature
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags should always win for bools)

	return result
}

// CacheTTL returns the configured TTL as a duration, or zero when unset.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}
