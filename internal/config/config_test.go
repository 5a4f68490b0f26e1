package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndComments(t *testing.T) {
	path := writeConfig(t, `{
		// backend
		"api_base_url": "http://backend.local/api/",
		"device_secret": "s3cret",
		"device_id": "station-7",
		"storage_root": "/var/lib/edge",
		"process_interval": 1.5,
		"ruler_length_cm": 30,
		"backoff_max": "1m",
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBaseURL != "http://backend.local/api" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.APIBaseURL)
	}
	if cfg.ProcessInterval != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s process interval, got %s", cfg.ProcessInterval)
	}
	if cfg.BackoffMax != time.Minute {
		t.Fatalf("expected backoff max 1m, got %s", cfg.BackoffMax)
	}
	if cfg.QueuePath != filepath.Join("/var/lib/edge", "queue.db") {
		t.Fatalf("unexpected queue path %q", cfg.QueuePath)
	}
	if cfg.MediaRoot != filepath.Join("/var/lib/edge", "media") {
		t.Fatalf("unexpected media root %q", cfg.MediaRoot)
	}
	if cfg.StorageWarnRatio != 0.8 {
		t.Fatalf("expected default warn ratio 0.8, got %v", cfg.StorageWarnRatio)
	}
	if cfg.ActionTimeout != 30*time.Second {
		t.Fatalf("expected default action timeout 30s, got %s", cfg.ActionTimeout)
	}
	if cfg.InputSource != "-" {
		t.Fatalf("expected stdin input source by default, got %q", cfg.InputSource)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	path := writeConfig(t, `{"api_base_url": "http://x", "storage_root": "/tmp/edge"}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error without device_secret")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `{"api_base_url": "http://x", "device_secret": "a", "storage_root": "/tmp/edge"}`)
	t.Setenv("EDGE_API_BASE_URL", "http://override/")
	t.Setenv("EDGE_UPLOAD_MAX_ATTEMPTS", "3")
	t.Setenv("EDGE_BACKOFF_INITIAL", "250ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIBaseURL != "http://override" {
		t.Fatalf("expected env base url, got %q", cfg.APIBaseURL)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.BackoffInitial != 250*time.Millisecond {
		t.Fatalf("expected 250ms initial backoff, got %s", cfg.BackoffInitial)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `{"api_base_url": "http://x", "device_secret": "a", "storage_root": "/tmp/edge", "upload_timeout": "soon"}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed duration")
	}
}
