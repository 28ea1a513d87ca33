package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
)

// Config holds the service configuration. Size limits are expressed as
// human-readable strings ("5MB", "1GB") and parsed with binary (1024)
// multiples.
type Config struct {
	// Storage layout
	StagingPath  string `json:"staging_path"`
	ArtifactPath string `json:"artifact_path"`
	IndexPath    string `json:"index_path"`

	// Upload limits
	MaxChunkSize  string `json:"max_chunk_size"`
	MaxUploadSize string `json:"max_upload_size"`

	// Staging garbage collection
	StagingTTL    string `json:"staging_ttl"`
	SweepInterval string `json:"sweep_interval"`

	// API configuration
	APIPort int `json:"api_port"`
}

func DefaultConfig() *Config {
	return &Config{
		StagingPath:   "./data/staging",
		ArtifactPath:  "./data/uploads",
		IndexPath:     "./data/index",
		MaxChunkSize:  "5MB",
		MaxUploadSize: "100MB",
		StagingTTL:    "24h",
		SweepInterval: "1h",
		APIPort:       8080,
	}
}

// LoadConfig reads a JSON config file over the defaults; fields absent
// from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to a file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// MaxChunkBytes parses the per-chunk size ceiling.
func (c *Config) MaxChunkBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MaxChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max_chunk_size %q: %w", c.MaxChunkSize, err)
	}
	return n, nil
}

// MaxUploadBytes parses the whole-file upload size ceiling.
func (c *Config) MaxUploadBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MaxUploadSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max_upload_size %q: %w", c.MaxUploadSize, err)
	}
	return n, nil
}

// StagingTTLDuration parses the staging expiry age.
func (c *Config) StagingTTLDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.StagingTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid staging_ttl %q: %w", c.StagingTTL, err)
	}
	return d, nil
}

// SweepIntervalDuration parses the periodic sweep interval.
func (c *Config) SweepIntervalDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid sweep_interval %q: %w", c.SweepInterval, err)
	}
	return d, nil
}
