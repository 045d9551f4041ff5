package config

import "time"

// Config is the root configuration for the transport client.
type Config struct {
	API        APIConfig        `yaml:"api"`
	Retry      RetryConfig      `yaml:"retry"`
	Auth       AuthConfig       `yaml:"auth"`
	Connection ConnectionConfig `yaml:"connection"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// APIConfig holds HTTP request dispatcher settings.
type APIConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	UserAgent        string        `yaml:"user_agent"`
	RateLimit        float64       `yaml:"rate_limit"` // Requests per second, 0 = unlimited
	RateBurst        int           `yaml:"rate_burst"`
	ProactiveRefresh time.Duration `yaml:"proactive_refresh"` // Refresh when token expires within this window, 0 = off
}

// RetryConfig holds the retry policy for retryable HTTP outcomes.
type RetryConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	Multiplier float64       `yaml:"multiplier"`
	MaxRetries int           `yaml:"max_retries"`
}

// AuthConfig holds token refresh coordination settings.
type AuthConfig struct {
	RefreshPath string        `yaml:"refresh_path"`
	LoginPath   string        `yaml:"login_path"`
	LogoutPath  string        `yaml:"logout_path"`
	MaxAttempts int           `yaml:"max_attempts"`
	Cooldown    time.Duration `yaml:"cooldown"`
	LatchDelay  time.Duration `yaml:"latch_delay"`
}

// ConnectionConfig holds WebSocket connection manager settings.
type ConnectionConfig struct {
	URL                  string        `yaml:"url"`
	TokenParam           string        `yaml:"token_param"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	StaleTimeout         time.Duration `yaml:"stale_timeout"` // 0 disables stale detection
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
}

// StorageConfig selects the durable credential backend.
type StorageConfig struct {
	Backend  string   `yaml:"backend"` // "file", "memory" or "postgres"
	Key      string   `yaml:"key"`
	Dir      string   `yaml:"dir"` // File backend directory; the file is <key>.json
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds slog handler settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
