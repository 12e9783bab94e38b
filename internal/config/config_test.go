package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, home, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(content), 0644); err != nil {
		t.Fatalf("writing config.toml: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.PollInterval() != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 500ms", cfg.Daemon.PollInterval())
	}
	if cfg.Workflow.MaxReviewRounds != 3 {
		t.Errorf("MaxReviewRounds = %d, want 3", cfg.Workflow.MaxReviewRounds)
	}
	if cfg.Adapter.Name != "logchat" {
		t.Errorf("Adapter.Name = %q, want %q", cfg.Adapter.Name, "logchat")
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
[daemon]
poll_interval_ms = 250
idle_threshold_ms = 2000

[workflow]
max_review_rounds = 2
build_gates = ["go vet ./...", "go test ./..."]
`)

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Daemon.PollInterval() != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.Daemon.PollInterval())
	}
	if cfg.Workflow.MaxReviewRounds != 2 {
		t.Errorf("MaxReviewRounds = %d, want 2", cfg.Workflow.MaxReviewRounds)
	}
	if len(cfg.Workflow.BuildGates) != 2 {
		t.Errorf("BuildGates = %v, want 2 entries", cfg.Workflow.BuildGates)
	}
	// Untouched sections keep defaults.
	if cfg.Adapter.MaxMessageLength != 4096 {
		t.Errorf("MaxMessageLength = %d, want 4096", cfg.Adapter.MaxMessageLength)
	}
}

func TestLoad_UnknownKeyIsInvalid(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
[daemon]
pol_interval_ms = 250
`)

	_, err := Load(home)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Load with unknown key error = %v, want ErrInvalid", err)
	}
}

func TestLoad_MalformedTOMLIsInvalid(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "[daemon\npoll_interval_ms = 250\n")

	_, err := Load(home)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Load with malformed TOML error = %v, want ErrInvalid", err)
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero poll interval", func(c *Config) { c.Daemon.PollIntervalMs = 0 }},
		{"idle below poll", func(c *Config) { c.Daemon.IdleThresholdMs = c.Daemon.PollIntervalMs - 1 }},
		{"zero review rounds", func(c *Config) { c.Workflow.MaxReviewRounds = 0 }},
		{"tiny message length", func(c *Config) { c.Adapter.MaxMessageLength = 10 }},
		{"bad rate pattern", func(c *Config) { c.Agents.RateLimitPatterns = []string{"("} }},
		{"federation without name", func(c *Config) { c.Federation.Enabled = true; c.Federation.Channel = "#fleet" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoad_EnvOverlay(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, ".env"), []byte("TELEC_TEST_TOKEN=sekrit\n"), 0600); err != nil {
		t.Fatalf("writing .env: %v", err)
	}
	t.Setenv("TELEC_TEST_TOKEN", "")
	os.Unsetenv("TELEC_TEST_TOKEN")

	if _, err := Load(home); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("TELEC_TEST_TOKEN"); got != "sekrit" {
		t.Errorf("TELEC_TEST_TOKEN = %q, want %q", got, "sekrit")
	}
}

func TestRateLimitPatterns_AppendsConfigured(t *testing.T) {
	cfg := Default()
	cfg.Agents.RateLimitPatterns = []string{`custom backoff notice`}

	patterns := cfg.RateLimitPatterns()
	if len(patterns) < 2 {
		t.Fatalf("patterns = %d entries, want defaults plus extras", len(patterns))
	}
	if patterns[len(patterns)-1] != "custom backoff notice" {
		t.Errorf("last pattern = %q, want configured extra", patterns[len(patterns)-1])
	}
}
