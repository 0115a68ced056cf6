package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Scheduler.BatchSize != 10 {
		t.Errorf("expected batch size 10, got %d", cfg.Scheduler.BatchSize)
	}
	if cfg.Scheduler.Backoff.Base != 5*time.Minute || cfg.Scheduler.Backoff.Max != time.Hour {
		t.Errorf("unexpected backoff defaults: %+v", cfg.Scheduler.Backoff)
	}
	if cfg.Scheduler.StaleAfter != time.Hour {
		t.Errorf("expected stale_after 1h, got %s", cfg.Scheduler.StaleAfter)
	}
	if cfg.Matching.AmountTolerancePercentage != 0.05 {
		t.Errorf("expected tolerance 0.05, got %v", cfg.Matching.AmountTolerancePercentage)
	}
	if cfg.Learning.MinSamples != 10 {
		t.Errorf("expected min samples 10, got %d", cfg.Learning.MinSamples)
	}
}

func TestLoad_ParsesDurationsFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
scheduler:
  poll_interval: 5s
  workers: 2
  retention: 48h
webhook:
  secret: topsecret
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Scheduler.PollInterval != 5*time.Second {
		t.Errorf("expected 5s poll interval, got %s", cfg.Scheduler.PollInterval)
	}
	if cfg.Scheduler.Retention != 48*time.Hour {
		t.Errorf("expected 48h retention, got %s", cfg.Scheduler.Retention)
	}
	if cfg.Webhook.Secret != "topsecret" {
		t.Errorf("expected webhook secret from file, got %q", cfg.Webhook.Secret)
	}
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	_, err := Load(writeConfig(t, "scheduler:\n  workers: 50\n"))
	if err == nil {
		t.Fatal("expected error for workers > batch_size")
	}
	if !strings.Contains(err.Error(), "workers") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(writeConfig(t, "{}\n"))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: "unsupported driver",
		},
		{
			name:    "thresholds out of order",
			mutate:  func(c *Config) { c.Matching.SuggestThreshold = 0.9 },
			wantErr: "thresholds",
		},
		{
			name:    "backoff max below base",
			mutate:  func(c *Config) { c.Scheduler.Backoff.Max = time.Minute },
			wantErr: "backoff",
		},
		{
			name: "archive without bucket",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Endpoint = "s3.amazonaws.com"
				c.Archive.Bucket = ""
			},
			wantErr: "archive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := &DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	if got := pg.DSN(); got != "host=db port=5432 user=u password=p dbname=n sslmode=disable" {
		t.Errorf("unexpected postgres DSN: %s", got)
	}

	override := &DatabaseConfig{Driver: "postgres", DSNOverride: "postgres://x"}
	if got := override.DSN(); got != "postgres://x" {
		t.Errorf("expected override DSN, got %s", got)
	}

	lite := &DatabaseConfig{Driver: "sqlite", Path: "/tmp/x.db"}
	if got := lite.DSN(); !strings.HasPrefix(got, "/tmp/x.db") {
		t.Errorf("unexpected sqlite DSN: %s", got)
	}
}
