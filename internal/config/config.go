// Package config provides hierarchical configuration loading for the gateway.
// Precedence: defaults < YAML file < environment variables < CLI flags.
package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConfigHolder provides thread-safe access to a Config with hot-reload support.
// Services that hold pointers into the Config (e.g., &cfg.GitSync) will see
// updated values after a reload because fields are swapped in-place.
type ConfigHolder struct {
	mu       sync.RWMutex
	cfg      Config
	yamlPath string
}

// NewHolder creates a ConfigHolder from an initial Config and the YAML path
// used for reloading.
func NewHolder(cfg *Config, yamlPath string) *ConfigHolder {
	return &ConfigHolder{cfg: *cfg, yamlPath: yamlPath}
}

// Get returns a pointer to the Config. Callers must not store the pointer
// long-term; read values immediately and release.
func (h *ConfigHolder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return &h.cfg
}

// Reload re-reads the YAML file and environment variables, validates, and
// swaps the config in-place. If validation fails, the old config is preserved.
// Fields that cannot be hot-reloaded (Server.Port, DB.FileName, NATS.URL) are
// logged as warnings if they differ.
func (h *ConfigHolder) Reload() error {
	newCfg, err := LoadFrom(h.yamlPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if newCfg.Server.Port != h.cfg.Server.Port {
		slog.Warn("config reload: server.port changed but requires restart",
			"old", h.cfg.Server.Port, "new", newCfg.Server.Port)
	}
	if newCfg.DB.FileName != h.cfg.DB.FileName {
		slog.Warn("config reload: db.file_name changed but requires restart",
			"old", h.cfg.DB.FileName, "new", newCfg.DB.FileName)
	}
	if newCfg.NATS.URL != h.cfg.NATS.URL {
		slog.Warn("config reload: nats.url changed but requires restart",
			"old", h.cfg.NATS.URL, "new", newCfg.NATS.URL)
	}

	if newCfg.Logging.Level != h.cfg.Logging.Level {
		slog.Info("config reload: logging level changed",
			"old", h.cfg.Logging.Level, "new", newCfg.Logging.Level)
	}

	h.cfg = *newCfg
	return nil
}

// Config holds all runtime configuration for the gateway service.
type Config struct {
	Server      Server      `yaml:"server"`
	DB          DB          `yaml:"db"`
	NATS        NATS        `yaml:"nats"`
	Logging     Logging     `yaml:"logging"`
	Breaker     Breaker     `yaml:"breaker"`
	Rate        Rate        `yaml:"rate"`
	GitSync     GitSync     `yaml:"git_sync"`
	Runner      Runner      `yaml:"runner"`
	GitHubApp   GitHubApp   `yaml:"github_app"`
	DCG         DCG         `yaml:"dcg"`
	CAAM        CAAM        `yaml:"caam"`
	Cache       Cache       `yaml:"cache"`
	Idempotency Idempotency `yaml:"idempotency"`
	Webhook     Webhook     `yaml:"webhook"`
	EventLog    EventLog    `yaml:"event_log"`
	OTEL        OTEL        `yaml:"otel"`
	MCP         MCP         `yaml:"mcp"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// DB holds the embedded SQLite database configuration. The driver is
// pure-Go (modernc.org/sqlite); FileName may be ":memory:" for tests.
type DB struct {
	FileName     string        `yaml:"file_name"`
	AutoMigrate  bool          `yaml:"auto_migrate"`
	SlowQueryMS  int           `yaml:"slow_query_ms"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
}

// NATS holds NATS JetStream configuration, used for the idempotency KV
// bucket. Gateway events (dcg.*, git_sync.*, caam.*) are delivered by the
// in-process hub and are not published to NATS.
type NATS struct {
	URL string `yaml:"url"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds circuit breaker configuration for outbound NATS publish
// calls; git provider CLI invocations do not go through the breaker.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Rate holds the per-client-IP token-bucket rate limiter configuration.
type Rate struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
}

// GitSync holds the git-sync scheduler configuration (§4.E).
type GitSync struct {
	MaxConcurrentGlobal int           `yaml:"max_concurrent_global"` // Global worker pool size
	MaxConcurrentPerRepo int          `yaml:"max_concurrent_per_repo"`
	OperationTimeout    time.Duration `yaml:"operation_timeout"` // Per git CLI invocation
	MaxRetries          int           `yaml:"max_retries"`
	BaseBackoff         time.Duration `yaml:"base_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	HistoryRetention    time.Duration `yaml:"history_retention"` // How long terminal operations stay queryable
}

// Runner selects how git-sync executes its git CLI invocations: directly on
// the host, or isolated inside a running container (§4.E notes agent
// processes and the commands they trigger should not share the gateway's
// own host namespace).
type Runner struct {
	Mode        string `yaml:"mode"` // "local" | "container"
	ContainerID string `yaml:"container_id"`
}

// GitHubApp holds the GitHub App credentials the git-sync provider adapter
// uses to mint short-lived installation tokens (§4.E). AppID of 0 means no
// GitHub App is configured; the gateway still starts, but git-sync
// operations against GitHub-hosted repositories fail with AUTH_ERROR until
// it is set.
type GitHubApp struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// DCG holds destructive-command-guard settings (§4.F). Only BuiltinPacksDir
// is read outside config loading (cmd/gatewayd loads the rule packs from
// it). DefaultMode, ConfigCacheTTL and RingBufferSize are loaded but not
// consulted: the runtime policy is the singleton config row edited via the
// admin API, DCGService caches it for a fixed 30s and keeps a fixed
// 100-entry recent-blocks ring, and severities without a mode in that row
// fall back to dcg.DefaultModes.
type DCG struct {
	DefaultMode     string        `yaml:"default_mode"`      // "enforce" | "warn" | "log"
	ConfigCacheTTL  time.Duration `yaml:"config_cache_ttl"`
	RingBufferSize  int           `yaml:"ring_buffer_size"`  // In-memory recent-block ring for live tailing
	BuiltinPacksDir string        `yaml:"builtin_packs_dir"` // Directory of bundled rule pack YAML files
}

// CAAM holds credential-pool-rotator defaults (§4.D), keyed by provider.
type CAAM struct {
	DefaultCooldown     time.Duration `yaml:"default_cooldown"`
	RateLimitCooldown   time.Duration `yaml:"rate_limit_cooldown"`
	DefaultStrategy     string        `yaml:"default_strategy"` // "smart" | "round_robin" | "least_recent" | "random"
	MaxConsecutiveFails int           `yaml:"max_consecutive_fails"`
}

// Cache holds the in-process Ristretto L1 cache configuration.
type Cache struct {
	L1MaxSizeMB int64 `yaml:"l1_max_size_mb"`
}

// Idempotency holds idempotency-key middleware configuration, backed by
// a NATS JetStream KV bucket.
type Idempotency struct {
	Bucket string        `yaml:"bucket"`
	TTL    time.Duration `yaml:"ttl"`
}

// Webhook holds inbound git-provider webhook verification configuration.
type Webhook struct {
	GitHubSecret string `yaml:"github_secret"` // HMAC-SHA256 secret for GitHub webhooks
	GitLabToken  string `yaml:"gitlab_token"`  // Static token for GitLab webhooks
}

// EventLog holds the durable event log's retention sweep configuration (§4.B).
type EventLog struct {
	ExpireInterval time.Duration `yaml:"expire_interval"` // How often the retention sweep runs
}

// OTEL holds OpenTelemetry configuration.
type OTEL struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MCP holds the Agent Mail MCP transport configuration. Tangential to the
// gateway's core operations but still wired per the provider-specific
// *_MCP_* environment variables the core is documented to consume.
type MCP struct {
	Enabled    bool   `yaml:"enabled"`
	ServersDir string `yaml:"servers_dir"`
	ServerPort int    `yaml:"server_port"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "http://localhost:3000",
		},
		DB: DB{
			FileName:     "data/gateway.db",
			AutoMigrate:  true,
			SlowQueryMS:  200,
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 1, // SQLite: single writer, WAL allows concurrent readers
		},
		NATS: NATS{
			URL: "nats://localhost:4222",
		},
		Logging: Logging{
			Level:   "info",
			Service: "gateway",
			Async:   true,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Rate: Rate{
			RequestsPerSecond: 10,
			Burst:             100,
			CleanupInterval:   5 * time.Minute,
			MaxIdleTime:       10 * time.Minute,
		},
		GitSync: GitSync{
			MaxConcurrentGlobal:  10,
			MaxConcurrentPerRepo: 1,
			OperationTimeout:     5 * time.Minute,
			MaxRetries:           3,
			BaseBackoff:          2 * time.Second,
			MaxBackoff:           2 * time.Minute,
			HistoryRetention:     7 * 24 * time.Hour,
		},
		Runner: Runner{
			Mode: "local",
		},
		GitHubApp: GitHubApp{},
		DCG: DCG{
			DefaultMode:     "enforce",
			ConfigCacheTTL:  30 * time.Second,
			RingBufferSize:  100,
			BuiltinPacksDir: "configs/dcg-packs",
		},
		CAAM: CAAM{
			DefaultCooldown:     5 * time.Minute,
			RateLimitCooldown:   15 * time.Minute,
			DefaultStrategy:     "round_robin",
			MaxConsecutiveFails: 3,
		},
		Cache: Cache{
			L1MaxSizeMB: 100,
		},
		Idempotency: Idempotency{
			Bucket: "IDEMPOTENCY",
			TTL:    24 * time.Hour,
		},
		Webhook: Webhook{},
		EventLog: EventLog{
			ExpireInterval: 1 * time.Hour,
		},
		OTEL: OTEL{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "gateway",
			Insecure:    true,
			SampleRate:  1.0,
		},
		MCP: MCP{
			Enabled:    false,
			ServersDir: "",
			ServerPort: 3001,
		},
	}
}
