package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `
gateway:
  name: "ibgate"
  version: "test"
terminal:
  mode: "sim"
session:
  retry:
    max_attempts: 3
    base_delay: 1s
    max_delay: 10s
    backoff_multiplier: 2
channels:
  event_buffer: 256
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfigMinimal(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Gateway.Name != "ibgate" {
		t.Errorf("expected gateway name ibgate, got %s", cfg.Gateway.Name)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("expected default port 8000, got %d", cfg.Server.Port)
	}
	if cfg.Server.Addr() != "0.0.0.0:8000" {
		t.Errorf("unexpected addr %s", cfg.Server.Addr())
	}
	if cfg.Terminal.DialTimeout != 10*time.Second {
		t.Errorf("expected default dial timeout, got %v", cfg.Terminal.DialTimeout)
	}
	if cfg.Session.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 retry attempts, got %d", cfg.Session.Retry.MaxAttempts)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadConfigInvalidMode(t *testing.T) {
	content := minimalYAML + `
`
	cfg := writeConfig(t, content)
	t.Setenv("TERMINAL_MODE", "carrier-pigeon")
	if _, err := LoadConfig(cfg); err == nil {
		t.Fatal("expected validation error for unknown terminal mode")
	}
}

func TestLoadConfigWSModeRequiresHost(t *testing.T) {
	content := `
gateway:
  name: "ibgate"
  version: "test"
terminal:
  mode: "ws"
session:
  retry:
    max_attempts: 3
    base_delay: 1s
    max_delay: 10s
    backoff_multiplier: 2
channels:
  event_buffer: 256
`
	if _, err := LoadConfig(writeConfig(t, content)); err == nil {
		t.Fatal("expected validation error for ws mode without host")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("API_KEY", "sekrit")
	t.Setenv("PORT", "9001")
	t.Setenv("IB_USERNAME", "trader1")
	t.Setenv("IB_PASSWORD", "hunter2")

	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.APIKey != "sekrit" {
		t.Errorf("API_KEY override not applied, got %q", cfg.Server.APIKey)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("PORT override not applied, got %d", cfg.Server.Port)
	}
	if cfg.Terminal.AccountID != "ib_trader1" {
		t.Errorf("expected derived account id ib_trader1, got %q", cfg.Terminal.AccountID)
	}
}

func TestLoadConfigArchiveValidation(t *testing.T) {
	content := minimalYAML + `
archive:
  enabled: true
  batch_size: 100
  flush_interval: 10s
  s3:
    bucket: "Invalid_Bucket_Name"
    region: "us-east-1"
`
	if _, err := LoadConfig(writeConfig(t, content)); err == nil {
		t.Fatal("expected validation error for invalid S3 bucket name")
	}
}

func TestLoadConfigRetryValidation(t *testing.T) {
	content := `
gateway:
  name: "ibgate"
  version: "test"
terminal:
  mode: "sim"
session:
  retry:
    max_attempts: 3
    base_delay: 10s
    max_delay: 1s
    backoff_multiplier: 2
channels:
  event_buffer: 256
`
	if _, err := LoadConfig(writeConfig(t, content)); err == nil {
		t.Fatal("expected validation error when max_delay is below base_delay")
	}
}

func TestTerminalURL(t *testing.T) {
	cfg := TerminalConfig{Host: "gw.example.com", Port: 5000}
	if cfg.URL() != "ws://gw.example.com:5000/ws" {
		t.Errorf("unexpected terminal url %s", cfg.URL())
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	valid := []string{"my-bucket", "ticks.archive.prod", "abc"}
	for _, name := range valid {
		if !isValidS3Bucket(name) {
			t.Errorf("expected %q to be valid", name)
		}
	}

	invalid := []string{"ab", "UPPER", "double..dot", ".leading", "trailing."}
	for _, name := range invalid {
		if isValidS3Bucket(name) {
			t.Errorf("expected %q to be invalid", name)
		}
	}
}
