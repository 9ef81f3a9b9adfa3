// Package config loads the reconciliation engine's configuration: a JSON
// base file overridden by environment variables, in that order, matching
// the layering the donor trading app used.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates every configuration section the core and its ambient
// stack need.
type Config struct {
	Transport TransportConfig `json:"transport"`
	Exchange  ExchangeConfig  `json:"exchange"`
	Dedup     DedupConfig     `json:"dedup"`
	Logging   LoggingConfig   `json:"logging"`
	Postgres  PostgresConfig  `json:"postgres"`
	Redis     RedisConfig     `json:"redis"`
	Vault     VaultConfig     `json:"vault"`
}

// TransportConfig configures SessionTransport (§4.1, §6).
type TransportConfig struct {
	PrivateURL        string        `json:"ws_private_url"`
	Sandbox           bool          `json:"exchange_sandbox"`
	HeartbeatInterval time.Duration `json:"ws_heartbeat_interval"`
	PingTimeout       time.Duration `json:"ws_ping_timeout"`
	ReconnectInterval time.Duration `json:"ws_reconnect_interval"`
	ConnectTimeout    time.Duration `json:"ws_connect_timeout"`
	SSLVerify         bool          `json:"ws_ssl_verify"`
	OrderQueueSize    int           `json:"ws_queue_maxsize_orders"`
	PositionQueueSize int           `json:"ws_queue_maxsize_positions"`
	Account           string        `json:"account"` // credential lookup key in Vault
}

// ExchangeConfig configures the abstract ExchangeClient's rate limiting and
// retry policy (§5, §6 API_* options).
type ExchangeConfig struct {
	RateLimit     int           `json:"api_rate_limit"`
	RateWindow    time.Duration `json:"api_rate_window"`
	MinInterval   time.Duration `json:"api_min_interval"`
	RequestTimeout time.Duration `json:"api_request_timeout"`
	MaxRetries    int           `json:"api_max_retries"`
}

// DedupConfig configures the DedupRegistry TTLs (§3.3, §4.2, §5).
type DedupConfig struct {
	InflightTTL      time.Duration `json:"inflight_ttl"`
	ProcessedTTLOrd  time.Duration `json:"processed_ttl_orders"`
	ProcessedTTLPos  time.Duration `json:"processed_ttl_positions"`
	IntentTTL        time.Duration `json:"intent_ttl"`
	SweepInterval    time.Duration `json:"sweep_interval"`
	UseRedis         bool          `json:"use_redis"`
}

// LoggingConfig mirrors the donor's internal/logging.Config shape.
type LoggingConfig struct {
	Level       string `json:"level"`
	Output      string `json:"output"`
	JSONFormat  bool   `json:"json_format"`
	IncludeFile bool   `json:"include_file"`
}

// PostgresConfig configures the persisted orders/positions/trades/journal store.
type PostgresConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig configures the Redis connection used by the DedupRegistry
// (when Dedup.UseRedis is set) and by the cloid sequence provider.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration for the credential triple.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// Load reads config.json, if present, then applies environment overrides —
// env always wins.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(file, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Transport.PrivateURL = getEnvOrDefault("WS_PRIVATE_URL", "wss://ws.okx.com:8443/ws/v5/private")
	cfg.Transport.Sandbox = getEnvOrDefault("EXCHANGE_SANDBOX", "false") == "true"
	cfg.Transport.HeartbeatInterval = getEnvDurationOrDefault("WS_HEARTBEAT_INTERVAL", 20*time.Second)
	cfg.Transport.PingTimeout = getEnvDurationOrDefault("WS_PING_TIMEOUT", 5*time.Second)
	cfg.Transport.ReconnectInterval = getEnvDurationOrDefault("WS_RECONNECT_INTERVAL", 5*time.Second)
	cfg.Transport.ConnectTimeout = getEnvDurationOrDefault("WS_CONNECT_TIMEOUT", 30*time.Second)
	cfg.Transport.SSLVerify = getEnvBoolOrDefault("WS_SSL_VERIFY", true)
	cfg.Transport.OrderQueueSize = getEnvIntOrDefault("WS_QUEUE_MAXSIZE_ORDERS", 500)
	cfg.Transport.PositionQueueSize = getEnvIntOrDefault("WS_QUEUE_MAXSIZE_POSITIONS", 100)
	cfg.Transport.Account = getEnvOrDefault("RECONCILE_ACCOUNT", cfg.Transport.Account)

	cfg.Exchange.RateLimit = getEnvIntOrDefault("API_RATE_LIMIT", 10)
	cfg.Exchange.RateWindow = getEnvDurationOrDefault("API_RATE_WINDOW", 2*time.Second)
	cfg.Exchange.MinInterval = getEnvDurationOrDefault("API_MIN_INTERVAL", 200*time.Millisecond)
	cfg.Exchange.RequestTimeout = getEnvDurationOrDefault("API_REQUEST_TIMEOUT", 30*time.Second)
	cfg.Exchange.MaxRetries = getEnvIntOrDefault("API_MAX_RETRIES", 3)

	cfg.Dedup.InflightTTL = getEnvDurationOrDefault("DEDUP_INFLIGHT_TTL", 5*time.Minute)
	cfg.Dedup.ProcessedTTLOrd = getEnvDurationOrDefault("DEDUP_PROCESSED_TTL_ORDERS", 60*time.Minute)
	cfg.Dedup.ProcessedTTLPos = getEnvDurationOrDefault("DEDUP_PROCESSED_TTL_POSITIONS", 30*time.Minute)
	cfg.Dedup.IntentTTL = getEnvDurationOrDefault("LEDGER_INTENT_TTL", 60*time.Second)
	cfg.Dedup.SweepInterval = getEnvDurationOrDefault("DEDUP_SWEEP_INTERVAL", time.Second)
	cfg.Dedup.UseRedis = getEnvBoolOrDefault("DEDUP_USE_REDIS", false)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", true)
	cfg.Logging.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", false)

	cfg.Postgres.Host = getEnvOrDefault("POSTGRES_HOST", "localhost")
	cfg.Postgres.Port = getEnvIntOrDefault("POSTGRES_PORT", 5432)
	cfg.Postgres.User = getEnvOrDefault("POSTGRES_USER", cfg.Postgres.User)
	cfg.Postgres.Password = getEnvOrDefault("POSTGRES_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.Database = getEnvOrDefault("POSTGRES_DB", "reconcile")
	cfg.Postgres.SSLMode = getEnvOrDefault("POSTGRES_SSLMODE", "disable")

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", false)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", false)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "reconcile/credentials")
	cfg.Vault.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", false)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
