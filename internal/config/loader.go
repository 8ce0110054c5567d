package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "gateway.yaml"

// CLIFlags holds command-line flag values. Nil pointers indicate unset flags
// that should not override the config. Use ParseFlags to populate this struct.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DBFile     *string
	NatsURL    *string
}

// ParseFlags parses command-line arguments into CLIFlags.
// Call this before Load/LoadWithCLI. Passing nil args parses os.Args[1:].
func ParseFlags(args []string) (CLIFlags, error) {
	var flags CLIFlags

	fs := flag.NewFlagSet("gatewayd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")
	port := fs.String("port", "", "HTTP server port")
	fs.StringVar(port, "p", "", "HTTP server port (shorthand)")
	logLevel := fs.String("log-level", "", "logging level (debug, info, warn, error)")
	dbFile := fs.String("db-file", "", "SQLite database file path")
	natsURL := fs.String("nats-url", "", "NATS server URL")

	if err := fs.Parse(args); err != nil {
		return flags, fmt.Errorf("parse flags: %w", err)
	}

	// Only set pointers for flags that were explicitly provided.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			flags.ConfigPath = configPath
		case "port", "p":
			flags.Port = port
		case "log-level":
			flags.LogLevel = logLevel
		case "db-file":
			flags.DBFile = dbFile
		case "nats-url":
			flags.NatsURL = natsURL
		}
	})

	return flags, nil
}

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadWithCLI returns a Config using the full hierarchy:
// defaults < YAML < ENV < CLI flags. The YAML path can be overridden
// via CLIFlags.ConfigPath.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	yamlPath := DefaultConfigFile
	if flags.ConfigPath != nil {
		yamlPath = *flags.ConfigPath
	}

	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}

	return &cfg, yamlPath, nil
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overlays CLI flag values onto cfg. Only non-nil flags override.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DBFile != nil {
		cfg.DB.FileName = *flags.DBFile
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
}

// loadYAML reads the config file and unmarshals it over cfg. The format is
// chosen by extension: ".toml" decodes as TOML, everything else as YAML.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if strings.HasSuffix(path, ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config. DB_FILE_NAME,
// DB_AUTO_MIGRATE, DB_SLOW_QUERY_MS and NATS_URL match the core env var
// names documented for this service; everything else uses a GATEWAY_
// prefix in keeping with the teacher's convention.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "GATEWAY_PORT")
	setString(&cfg.Server.CORSOrigin, "GATEWAY_CORS_ORIGIN")

	setString(&cfg.DB.FileName, "DB_FILE_NAME")
	setBool(&cfg.DB.AutoMigrate, "DB_AUTO_MIGRATE")
	setInt(&cfg.DB.SlowQueryMS, "DB_SLOW_QUERY_MS")
	setDuration(&cfg.DB.BusyTimeout, "GATEWAY_DB_BUSY_TIMEOUT")
	setInt(&cfg.DB.MaxOpenConns, "GATEWAY_DB_MAX_OPEN_CONNS")

	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.Logging.Level, "GATEWAY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "GATEWAY_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "GATEWAY_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "GATEWAY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "GATEWAY_BREAKER_TIMEOUT")

	setFloat64(&cfg.Rate.RequestsPerSecond, "GATEWAY_RATE_RPS")
	setInt(&cfg.Rate.Burst, "GATEWAY_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "GATEWAY_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "GATEWAY_RATE_MAX_IDLE_TIME")

	// Git-sync scheduler
	setInt(&cfg.GitSync.MaxConcurrentGlobal, "GATEWAY_GIT_SYNC_MAX_CONCURRENT_GLOBAL")
	setInt(&cfg.GitSync.MaxConcurrentPerRepo, "GATEWAY_GIT_SYNC_MAX_CONCURRENT_PER_REPO")
	setDuration(&cfg.GitSync.OperationTimeout, "GATEWAY_GIT_SYNC_OPERATION_TIMEOUT")
	setInt(&cfg.GitSync.MaxRetries, "GATEWAY_GIT_SYNC_MAX_RETRIES")
	setDuration(&cfg.GitSync.BaseBackoff, "GATEWAY_GIT_SYNC_BASE_BACKOFF")
	setDuration(&cfg.GitSync.MaxBackoff, "GATEWAY_GIT_SYNC_MAX_BACKOFF")
	setDuration(&cfg.GitSync.HistoryRetention, "GATEWAY_GIT_SYNC_HISTORY_RETENTION")

	// Runner (git-sync CLI execution isolation)
	setString(&cfg.Runner.Mode, "GATEWAY_RUNNER_MODE")
	setString(&cfg.Runner.ContainerID, "GATEWAY_RUNNER_CONTAINER_ID")

	// GitHub App (git-sync provider credentials)
	setInt64(&cfg.GitHubApp.AppID, "GATEWAY_GITHUB_APP_ID")
	setInt64(&cfg.GitHubApp.InstallationID, "GATEWAY_GITHUB_APP_INSTALLATION_ID")
	setString(&cfg.GitHubApp.PrivateKeyPath, "GATEWAY_GITHUB_APP_PRIVATE_KEY_PATH")

	// Destructive-command guard
	setString(&cfg.DCG.DefaultMode, "GATEWAY_DCG_DEFAULT_MODE")
	setDuration(&cfg.DCG.ConfigCacheTTL, "GATEWAY_DCG_CONFIG_CACHE_TTL")
	setInt(&cfg.DCG.RingBufferSize, "GATEWAY_DCG_RING_BUFFER_SIZE")
	setString(&cfg.DCG.BuiltinPacksDir, "GATEWAY_DCG_PACKS_DIR")

	// Credential-pool rotator
	setDuration(&cfg.CAAM.DefaultCooldown, "GATEWAY_CAAM_DEFAULT_COOLDOWN")
	setDuration(&cfg.CAAM.RateLimitCooldown, "GATEWAY_CAAM_RATE_LIMIT_COOLDOWN")
	setString(&cfg.CAAM.DefaultStrategy, "GATEWAY_CAAM_DEFAULT_STRATEGY")
	setInt(&cfg.CAAM.MaxConsecutiveFails, "GATEWAY_CAAM_MAX_CONSECUTIVE_FAILS")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "GATEWAY_CACHE_L1_SIZE_MB")

	// Idempotency
	setString(&cfg.Idempotency.Bucket, "GATEWAY_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Idempotency.TTL, "GATEWAY_IDEMPOTENCY_TTL")

	// Webhook
	setString(&cfg.Webhook.GitHubSecret, "GATEWAY_WEBHOOK_GITHUB_SECRET")
	setString(&cfg.Webhook.GitLabToken, "GATEWAY_WEBHOOK_GITLAB_TOKEN")

	// Event log retention
	setDuration(&cfg.EventLog.ExpireInterval, "GATEWAY_EVENT_LOG_EXPIRE_INTERVAL")

	// OpenTelemetry
	setBool(&cfg.OTEL.Enabled, "GATEWAY_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "GATEWAY_OTEL_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "GATEWAY_OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "GATEWAY_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "GATEWAY_OTEL_SAMPLE_RATE")

	// Agent Mail MCP transport (provider-specific, tangential to the core)
	setBool(&cfg.MCP.Enabled, "AGENTMAIL_MCP_ENABLED")
	setString(&cfg.MCP.ServersDir, "AGENTMAIL_MCP_SERVERS_DIR")
	setInt(&cfg.MCP.ServerPort, "AGENTMAIL_MCP_SERVER_PORT")
}

// validate checks that required fields are set and invariants are met.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.DB.FileName == "" {
		return errors.New("db.file_name is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.GitSync.MaxConcurrentGlobal < 1 {
		return errors.New("git_sync.max_concurrent_global must be >= 1")
	}
	if cfg.GitSync.MaxConcurrentPerRepo < 1 {
		return errors.New("git_sync.max_concurrent_per_repo must be >= 1")
	}

	switch cfg.DCG.DefaultMode {
	case "enforce", "warn", "log":
	default:
		return fmt.Errorf("dcg.default_mode must be one of enforce|warn|log, got %q", cfg.DCG.DefaultMode)
	}

	switch cfg.CAAM.DefaultStrategy {
	case "smart", "round_robin", "least_recent", "random":
	default:
		return fmt.Errorf("caam.default_strategy must be one of smart|round_robin|least_recent|random, got %q", cfg.CAAM.DefaultStrategy)
	}

	switch cfg.Runner.Mode {
	case "local":
	case "container":
		if cfg.Runner.ContainerID == "" {
			return errors.New("runner.container_id is required when runner.mode is \"container\"")
		}
	default:
		return fmt.Errorf("runner.mode must be one of local|container, got %q", cfg.Runner.Mode)
	}

	if cfg.OTEL.Enabled {
		if cfg.OTEL.Endpoint == "" {
			return errors.New("otel.endpoint is required when otel.enabled is true")
		}
		if cfg.OTEL.SampleRate < 0 || cfg.OTEL.SampleRate > 1 {
			return fmt.Errorf("otel.sample_rate must be between 0 and 1, got %v", cfg.OTEL.SampleRate)
		}
	}

	if cfg.DB.FileName != ":memory:" {
		slog.Debug("config validated", "db_file", cfg.DB.FileName)
	}

	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
