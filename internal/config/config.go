package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MinSecretLength is the shortest accepted HMAC signing secret.
const MinSecretLength = 32

// Config is the top-level configuration for RoomRelay.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Storage    StorageConfig    `yaml:"storage"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains the listener and per-connection settings.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	SendQueueSize   int           `yaml:"send_queue_size"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	JoinTimeout     time.Duration `yaml:"join_timeout"`
	AllowQueryToken bool          `yaml:"allow_query_token"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig contains optional TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig controls credential issuance and verification.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	Algorithm     string        `yaml:"algorithm"`
	RequireExpiry bool          `yaml:"require_expiry"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	BcryptCost    int           `yaml:"bcrypt_cost"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	DatabaseURL     string        `yaml:"database_url"`
	MaxConns        int32         `yaml:"max_conns"`
	HistorySize     int           `yaml:"history_size"`
	HistoryLimit    int           `yaml:"history_limit"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	Persist         PersistConfig `yaml:"persist"`
	MembershipCache CacheConfig   `yaml:"membership_cache"`
}

// PersistConfig tunes the asynchronous chat append queue.
type PersistConfig struct {
	QueueSize int           `yaml:"queue_size"`
	Workers   int           `yaml:"workers"`
	Timeout   time.Duration `yaml:"timeout"`
}

// CacheConfig enables the Redis membership cache.
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled"`
	RedisAddr string        `yaml:"redis_addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	TTL       time.Duration `yaml:"ttl"`
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	AllowedNetworks     []string        `yaml:"allowed_networks"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	MessagesPerSecond    int  `yaml:"messages_per_second"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	RingSize   int    `yaml:"ring_size"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics and admin API settings. Both are served
// on the health listener.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	AdminEnabled    bool   `yaml:"admin_enabled"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   "127.0.0.1:8080",
			DrainTimeout:    30 * time.Second,
			MaxMessageSize:  65536,
			SendQueueSize:   64,
			PingInterval:    30 * time.Second,
			PongTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			JoinTimeout:     5 * time.Second,
			AllowQueryToken: true,
		},
		Auth: AuthConfig{
			Algorithm:  "HS256",
			TokenTTL:   24 * time.Hour,
			BcryptCost: 10,
		},
		Storage: StorageConfig{
			Driver:       "memory",
			MaxConns:     10,
			HistorySize:  1000,
			HistoryLimit: 50,
			QueryTimeout: 5 * time.Second,
			Persist: PersistConfig{
				QueueSize: 1024,
				Workers:   4,
				Timeout:   5 * time.Second,
			},
			MembershipCache: CacheConfig{
				RedisAddr: "127.0.0.1:6379",
				TTL:       time.Minute,
			},
		},
		Security: SecurityConfig{
			MaxConnections:      10000,
			MaxConnectionsPerIP: 20,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
				MessagesPerSecond:    20,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
			RingSize:   1000,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8081",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
			AdminEnabled:    true,
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'roomrelay setup' to create one)", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s (try running with sudo)", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive")
	}
	if c.Server.MaxMessageSize > 16777216 {
		return fmt.Errorf("server.max_message_size must not exceed 16777216 (16MB)")
	}
	if c.Server.SendQueueSize <= 0 {
		return fmt.Errorf("server.send_queue_size must be positive")
	}
	if c.Server.DrainTimeout <= 0 || c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must be between 0 and 5m")
	}
	if c.Server.WriteTimeout <= 0 || c.Server.WriteTimeout > 5*time.Minute {
		return fmt.Errorf("server.write_timeout must be between 0 and 5m")
	}
	if c.Server.JoinTimeout <= 0 {
		return fmt.Errorf("server.join_timeout must be positive")
	}
	if c.Server.PingInterval > 0 && c.Server.PongTimeout <= 0 {
		return fmt.Errorf("server.pong_timeout must be positive when pings are enabled")
	}

	// TLS validation
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}

	// Auth validation
	if len(c.Auth.JWTSecret) < MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinSecretLength)
	}
	switch c.Auth.Algorithm {
	case "HS256", "HS384", "HS512":
		// valid
	default:
		return fmt.Errorf("auth.algorithm must be one of: HS256, HS384, HS512")
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth.token_ttl must not be negative")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost must be between 4 and 31")
	}

	// Storage validation
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be one of: memory, postgres")
	}
	if c.Storage.QueryTimeout <= 0 {
		return fmt.Errorf("storage.query_timeout must be positive")
	}
	if c.Storage.Persist.QueueSize <= 0 || c.Storage.Persist.Workers <= 0 {
		return fmt.Errorf("storage.persist.queue_size and storage.persist.workers must be positive")
	}
	if c.Storage.MembershipCache.Enabled && c.Storage.MembershipCache.RedisAddr == "" {
		return fmt.Errorf("storage.membership_cache.redis_addr is required when the cache is enabled")
	}

	// Security validation
	for _, n := range c.Security.AllowedNetworks {
		if n == "tailscale" {
			continue
		}
		if _, _, err := net.ParseCIDR(n); err != nil {
			return fmt.Errorf("security.allowed_networks: %q is not a CIDR or \"tailscale\"", n)
		}
	}
	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
		}
		if c.Security.RateLimit.MessagesPerSecond < 0 {
			return fmt.Errorf("security.rate_limit.messages_per_second must not be negative")
		}
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Health validation
	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		host, _, err := net.SplitHostPort(c.Health.ListenAddress)
		if err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing metrics and the admin API")
		}
		if c.Server.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("server.listen_address and health.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies ROOMRELAY_ prefixed environment variables.
// Convention: ROOMRELAY_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"ROOMRELAY_SERVER_LISTEN_ADDRESS":    func(v string) { cfg.Server.ListenAddress = v },
		"ROOMRELAY_SERVER_DRAIN_TIMEOUT":     func(v string) { cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout) },
		"ROOMRELAY_SERVER_MAX_MESSAGE_SIZE":  func(v string) { cfg.Server.MaxMessageSize = parseInt64(v, cfg.Server.MaxMessageSize) },
		"ROOMRELAY_SERVER_SEND_QUEUE_SIZE":   func(v string) { cfg.Server.SendQueueSize = parseInt(v, cfg.Server.SendQueueSize) },
		"ROOMRELAY_SERVER_PING_INTERVAL":     func(v string) { cfg.Server.PingInterval = parseDuration(v, cfg.Server.PingInterval) },
		"ROOMRELAY_SERVER_ALLOW_QUERY_TOKEN": func(v string) { cfg.Server.AllowQueryToken = parseBool(v, cfg.Server.AllowQueryToken) },
		"ROOMRELAY_AUTH_JWT_SECRET":          func(v string) { cfg.Auth.JWTSecret = v },
		"ROOMRELAY_AUTH_ALGORITHM":           func(v string) { cfg.Auth.Algorithm = v },
		"ROOMRELAY_AUTH_REQUIRE_EXPIRY":      func(v string) { cfg.Auth.RequireExpiry = parseBool(v, cfg.Auth.RequireExpiry) },
		"ROOMRELAY_AUTH_TOKEN_TTL":           func(v string) { cfg.Auth.TokenTTL = parseDuration(v, cfg.Auth.TokenTTL) },
		"ROOMRELAY_STORAGE_DRIVER":           func(v string) { cfg.Storage.Driver = v },
		"ROOMRELAY_STORAGE_DATABASE_URL":     func(v string) { cfg.Storage.DatabaseURL = v },
		"ROOMRELAY_STORAGE_MEMBERSHIP_CACHE_ENABLED": func(v string) {
			cfg.Storage.MembershipCache.Enabled = parseBool(v, cfg.Storage.MembershipCache.Enabled)
		},
		"ROOMRELAY_STORAGE_MEMBERSHIP_CACHE_REDIS_ADDR": func(v string) { cfg.Storage.MembershipCache.RedisAddr = v },
		"ROOMRELAY_STORAGE_MEMBERSHIP_CACHE_PASSWORD":   func(v string) { cfg.Storage.MembershipCache.Password = v },
		"ROOMRELAY_SECURITY_ALLOWED_NETWORKS":           func(v string) { cfg.Security.AllowedNetworks = splitList(v) },
		"ROOMRELAY_SECURITY_MAX_CONNECTIONS":            func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"ROOMRELAY_SECURITY_MAX_CONNECTIONS_PER_IP":     func(v string) { cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP) },
		"ROOMRELAY_SECURITY_RATE_LIMIT_ENABLED":         func(v string) { cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled) },
		"ROOMRELAY_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"ROOMRELAY_SECURITY_RATE_LIMIT_MESSAGES_PER_SECOND": func(v string) {
			cfg.Security.RateLimit.MessagesPerSecond = parseInt(v, cfg.Security.RateLimit.MessagesPerSecond)
		},
		"ROOMRELAY_LOGGING_LEVEL":              func(v string) { cfg.Logging.Level = v },
		"ROOMRELAY_LOGGING_FORMAT":             func(v string) { cfg.Logging.Format = v },
		"ROOMRELAY_LOGGING_FILE":               func(v string) { cfg.Logging.File = v },
		"ROOMRELAY_HEALTH_ENABLED":             func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"ROOMRELAY_HEALTH_LISTEN_ADDRESS":      func(v string) { cfg.Health.ListenAddress = v },
		"ROOMRELAY_MONITORING_METRICS_ENABLED": func(v string) { cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled) },
		"ROOMRELAY_MONITORING_ADMIN_ENABLED":   func(v string) { cfg.Monitoring.AdminEnabled = parseBool(v, cfg.Monitoring.AdminEnabled) },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen addresses, tls, storage, auth secret and algorithm.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	updated.Security.AllowedNetworks = newCfg.Security.AllowedNetworks
	updated.Logging.Level = newCfg.Logging.Level
	updated.Server.MaxMessageSize = newCfg.Server.MaxMessageSize
	updated.Server.PingInterval = newCfg.Server.PingInterval
	updated.Server.AllowQueryToken = newCfg.Server.AllowQueryToken
	updated.Auth.TokenTTL = newCfg.Auth.TokenTTL
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		warnings = append(warnings, "server.tls requires restart")
	}
	if old.Auth.JWTSecret != new.Auth.JWTSecret || old.Auth.Algorithm != new.Auth.Algorithm {
		warnings = append(warnings, "auth.jwt_secret and auth.algorithm require restart")
	}
	if !reflect.DeepEqual(old.Storage, new.Storage) {
		warnings = append(warnings, "storage requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
