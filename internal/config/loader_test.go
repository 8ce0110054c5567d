package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.DB.FileName != "data/gateway.db" {
		t.Errorf("expected db file data/gateway.db, got %s", cfg.DB.FileName)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected breaker timeout 30s, got %v", cfg.Breaker.Timeout)
	}
	if cfg.GitSync.MaxConcurrentPerRepo != 1 {
		t.Errorf("expected git_sync.max_concurrent_per_repo 1, got %d", cfg.GitSync.MaxConcurrentPerRepo)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
  cors_origin: "http://example.com"
db:
  file_name: "/tmp/test.db"
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.CORSOrigin != "http://example.com" {
		t.Errorf("expected cors http://example.com, got %s", cfg.Server.CORSOrigin)
	}
	if cfg.DB.FileName != "/tmp/test.db" {
		t.Errorf("expected db file /tmp/test.db, got %s", cfg.DB.FileName)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadTOMLOverride(t *testing.T) {
	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "test.toml")

	content := `
[server]
port = "9191"
cors_origin = "http://example.org"

[db]
file_name = "/tmp/toml-test.db"

[logging]
level = "debug"
`
	if err := os.WriteFile(tomlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, tomlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9191" {
		t.Errorf("expected port 9191, got %s", cfg.Server.Port)
	}
	if cfg.Server.CORSOrigin != "http://example.org" {
		t.Errorf("expected cors http://example.org, got %s", cfg.Server.CORSOrigin)
	}
	if cfg.DB.FileName != "/tmp/toml-test.db" {
		t.Errorf("expected db file /tmp/toml-test.db, got %s", cfg.DB.FileName)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("GATEWAY_PORT", "7070")
	t.Setenv("DB_FILE_NAME", ":memory:")
	t.Setenv("DB_AUTO_MIGRATE", "false")
	t.Setenv("GATEWAY_LOG_LEVEL", "warn")
	t.Setenv("GATEWAY_BREAKER_TIMEOUT", "1m")
	t.Setenv("GATEWAY_GIT_SYNC_MAX_CONCURRENT_GLOBAL", "25")
	t.Setenv("GATEWAY_OTEL_ENABLED", "true")
	t.Setenv("GATEWAY_OTEL_ENDPOINT", "collector:4317")
	t.Setenv("GATEWAY_OTEL_SAMPLE_RATE", "0.5")
	t.Setenv("GATEWAY_EVENT_LOG_EXPIRE_INTERVAL", "10m")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.DB.FileName != ":memory:" {
		t.Errorf("expected db file :memory:, got %s", cfg.DB.FileName)
	}
	if cfg.DB.AutoMigrate {
		t.Error("expected auto_migrate false")
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.Timeout != time.Minute {
		t.Errorf("expected breaker timeout 1m, got %v", cfg.Breaker.Timeout)
	}
	if cfg.GitSync.MaxConcurrentGlobal != 25 {
		t.Errorf("expected git_sync.max_concurrent_global 25, got %d", cfg.GitSync.MaxConcurrentGlobal)
	}
	if !cfg.OTEL.Enabled {
		t.Error("expected otel.enabled true")
	}
	if cfg.OTEL.Endpoint != "collector:4317" {
		t.Errorf("expected otel.endpoint collector:4317, got %s", cfg.OTEL.Endpoint)
	}
	if cfg.OTEL.SampleRate != 0.5 {
		t.Errorf("expected otel.sample_rate 0.5, got %v", cfg.OTEL.SampleRate)
	}
	if cfg.EventLog.ExpireInterval != 10*time.Minute {
		t.Errorf("expected event_log.expire_interval 10m, got %v", cfg.EventLog.ExpireInterval)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "empty db file",
			modify: func(c *Config) { c.DB.FileName = "" },
			errMsg: "db.file_name is required",
		},
		{
			name:   "empty NATS URL",
			modify: func(c *Config) { c.NATS.URL = "" },
			errMsg: "nats.url is required",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
		{
			name:   "zero rate burst",
			modify: func(c *Config) { c.Rate.Burst = 0 },
			errMsg: "rate.burst must be >= 1",
		},
		{
			name:   "zero git sync global concurrency",
			modify: func(c *Config) { c.GitSync.MaxConcurrentGlobal = 0 },
			errMsg: "git_sync.max_concurrent_global must be >= 1",
		},
		{
			name:   "zero git sync per-repo concurrency",
			modify: func(c *Config) { c.GitSync.MaxConcurrentPerRepo = 0 },
			errMsg: "git_sync.max_concurrent_per_repo must be >= 1",
		},
		{
			name:   "invalid dcg mode",
			modify: func(c *Config) { c.DCG.DefaultMode = "block" },
			errMsg: `dcg.default_mode must be one of enforce|warn|log, got "block"`,
		},
		{
			name:   "invalid caam strategy",
			modify: func(c *Config) { c.CAAM.DefaultStrategy = "sticky" },
			errMsg: `caam.default_strategy must be one of smart|round_robin|least_recent|random, got "sticky"`,
		},
		{
			name:   "invalid runner mode",
			modify: func(c *Config) { c.Runner.Mode = "vm" },
			errMsg: `runner.mode must be one of local|container, got "vm"`,
		},
		{
			name:   "container mode without container id",
			modify: func(c *Config) { c.Runner.Mode = "container" },
			errMsg: `runner.container_id is required when runner.mode is "container"`,
		},
		{
			name: "otel enabled without endpoint",
			modify: func(c *Config) {
				c.OTEL.Enabled = true
				c.OTEL.Endpoint = ""
			},
			errMsg: "otel.endpoint is required when otel.enabled is true",
		},
		{
			name: "otel sample rate out of range",
			modify: func(c *Config) {
				c.OTEL.Enabled = true
				c.OTEL.SampleRate = 1.5
			},
			errMsg: "otel.sample_rate must be between 0 and 1, got 1.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}
