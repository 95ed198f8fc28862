package config

import "testing"

func validConfig() *Config {
	return &Config{
		SourceKey:         "vgsi",
		ScopeKey:          "newtown",
		DataDir:           "/tmp/data",
		BaseURL:           "https://example.test",
		MaxWorkers:        10,
		RequestsPerSecond: 5,
		BatchSize:         50,
		CheckpointEvery:   10,
	}
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config to pass validation, got: %v", err)
	}
}

func TestMissingSourceKey(t *testing.T) {
	cfg := validConfig()
	cfg.SourceKey = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing source key")
	}
}

func TestMissingDataDir(t *testing.T) {
	cfg := validConfig()
	cfg.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing data directory")
	}
}

func TestInvalidWorkers(t *testing.T) {
	cfg := validConfig()
	cfg.MaxWorkers = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero workers")
	}
}

func TestNegativeRate(t *testing.T) {
	cfg := validConfig()
	cfg.RequestsPerSecond = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative rate")
	}
}

func TestZeroRateAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.RequestsPerSecond = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("rate of 0 should be valid (disables spacing), got: %v", err)
	}
}

func TestInvalidBatchSize(t *testing.T) {
	cfg := validConfig()
	cfg.BatchSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero batch size")
	}
}

func TestNegativeCheckpointEvery(t *testing.T) {
	cfg := validConfig()
	cfg.CheckpointEvery = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative checkpoint-every")
	}
}

func TestPhotoDownloadRequiresPhotoDir(t *testing.T) {
	cfg := validConfig()
	cfg.DownloadPhotos = true
	cfg.PhotoDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when photo download is enabled without a photo directory")
	}
}
