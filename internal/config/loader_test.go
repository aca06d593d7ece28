package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTP.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.Queue.Type != "embedded" {
		t.Errorf("expected embedded queue default, got %s", cfg.Queue.Type)
	}
	if cfg.Outbox.Driver != "mongo" {
		t.Errorf("expected mongo outbox driver default, got %s", cfg.Outbox.Driver)
	}
	if cfg.Outbox.PollInterval != time.Second {
		t.Errorf("expected 1s poll interval, got %v", cfg.Outbox.PollInterval)
	}
	if cfg.Outbox.MaxRetries != 3 {
		t.Errorf("expected 3 max retries, got %d", cfg.Outbox.MaxRetries)
	}
	if cfg.Outbox.RetryDelay != 60*time.Second {
		t.Errorf("expected 60s retry delay, got %v", cfg.Outbox.RetryDelay)
	}
	if cfg.Dispatch.DefaultPoolCode != "DEFAULT-POOL" {
		t.Errorf("unexpected default pool %s", cfg.Dispatch.DefaultPoolCode)
	}
	if cfg.Dispatch.Scheduler.PollInterval != 5*time.Second {
		t.Errorf("unexpected scheduler poll interval %v", cfg.Dispatch.Scheduler.PollInterval)
	}
	if cfg.Leader.Backend != "mongo" {
		t.Errorf("expected mongo leader backend default, got %s", cfg.Leader.Backend)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("QUEUE_TYPE", "nats")
	t.Setenv("OUTBOX_DRIVER", "postgres")
	t.Setenv("OUTBOX_POLL_INTERVAL", "250ms")
	t.Setenv("LEADER_ELECTION_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTP.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Queue.Type != "nats" {
		t.Errorf("expected nats, got %s", cfg.Queue.Type)
	}
	if cfg.Outbox.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Outbox.Driver)
	}
	if cfg.Outbox.PollInterval != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.Outbox.PollInterval)
	}
	if !cfg.Leader.Enabled {
		t.Error("expected leader election enabled")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
[http]
port = 9999

[outbox]
driver = "postgres"
postgres_dsn = "postgres://localhost/outbox"
poll_interval = "2s"

[dispatch]
app_key = "file-app-key"

[dispatch.scheduler]
poll_interval = "7s"

[leader]
enabled = true
backend = "redis"
redis_url = "redis://cache:6379"
ttl = "45s"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load from file: %v", err)
	}

	if cfg.HTTP.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.HTTP.Port)
	}
	if cfg.Outbox.Driver != "postgres" {
		t.Errorf("expected postgres driver, got %s", cfg.Outbox.Driver)
	}
	if cfg.Outbox.PostgresDSN != "postgres://localhost/outbox" {
		t.Errorf("unexpected dsn %s", cfg.Outbox.PostgresDSN)
	}
	if cfg.Outbox.PollInterval != 2*time.Second {
		t.Errorf("expected 2s poll interval, got %v", cfg.Outbox.PollInterval)
	}
	if cfg.Dispatch.AppKey != "file-app-key" {
		t.Errorf("unexpected app key %s", cfg.Dispatch.AppKey)
	}
	if cfg.Dispatch.Scheduler.PollInterval != 7*time.Second {
		t.Errorf("expected 7s scheduler poll, got %v", cfg.Dispatch.Scheduler.PollInterval)
	}
	if !cfg.Leader.Enabled || cfg.Leader.Backend != "redis" {
		t.Errorf("unexpected leader config %+v", cfg.Leader)
	}
	if cfg.Leader.TTL != 45*time.Second {
		t.Errorf("expected 45s ttl, got %v", cfg.Leader.TTL)
	}
}

func TestLoadFromFileMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[http\nport="), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected parse error for malformed file")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[http]
port = 9999

[dispatch]
app_key = "file-app-key"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("FLOWCATALYST_CONFIG", path)
	t.Setenv("HTTP_PORT", "7070")

	cfg, err := LoadWithFile()
	if err != nil {
		t.Fatalf("load with file: %v", err)
	}

	if cfg.HTTP.Port != 7070 {
		t.Errorf("env must override file, got port %d", cfg.HTTP.Port)
	}
	if cfg.Dispatch.AppKey != "file-app-key" {
		t.Errorf("file value must survive merge, got %q", cfg.Dispatch.AppKey)
	}
}

func TestWriteExampleConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.toml")

	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("write example: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("example config does not parse: %v", err)
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("unexpected example port %d", cfg.HTTP.Port)
	}
	if cfg.Dispatch.Subject != "dispatch" {
		t.Errorf("unexpected example subject %s", cfg.Dispatch.Subject)
	}
}
