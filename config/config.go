// Package config validates the parameters a load or refresh run is
// invoked with before any worker starts (spec §7, "Configuration error").
package config

import (
	"fmt"
)

// Config holds the parameters shared by both CLI subcommands.
type Config struct {
	SourceKey       string
	ScopeKey        string
	DataDir         string
	BaseURL         string
	MaxWorkers      int
	RequestsPerSecond float64
	BatchSize       int
	CheckpointEvery int // load only; ignored by refresh
	NoResume        bool
	DownloadPhotos  bool
	PhotoDir        string
	Quiet           bool
}

// Validate rejects a configuration before any worker is started, per the
// engine's "configuration error" error kind.
func (c *Config) Validate() error {
	if c.SourceKey == "" {
		return fmt.Errorf("source key is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("rate must be >= 0 (0 disables spacing)")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.CheckpointEvery < 0 {
		return fmt.Errorf("checkpoint-every must be >= 0")
	}
	if c.DownloadPhotos && c.PhotoDir == "" {
		return fmt.Errorf("photo directory is required when photo download is enabled")
	}
	return nil
}
