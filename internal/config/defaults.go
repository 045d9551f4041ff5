package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultBaseURL              = "http://localhost:8000/api"
	DefaultAPITimeout           = 30 * time.Second
	DefaultRateBurst            = 1
	DefaultRetryBaseDelay       = 1 * time.Second
	DefaultRetryMultiplier      = 2.0
	DefaultMaxRetries           = 3
	DefaultRefreshPath          = "/auth/refresh"
	DefaultLoginPath            = "/auth/login"
	DefaultLogoutPath           = "/auth/logout"
	DefaultMaxRefreshAttempts   = 3
	DefaultRefreshCooldown      = 5 * time.Second
	DefaultLatchDelay           = 2 * time.Second
	DefaultWSURL                = "ws://localhost:8000/ws"
	DefaultTokenParam           = "token"
	DefaultConnectTimeout       = 10 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultWriteTimeout         = 5 * time.Second
	DefaultStorageBackend       = "file"
	DefaultStorageKey           = "auth-storage"
	DefaultStorageDir           = ".arenalink"
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

// ApplyDefaults fills every zero-valued optional field.
func (c *Config) ApplyDefaults() {
	// API defaults
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultBaseURL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.RateLimit > 0 && c.API.RateBurst == 0 {
		c.API.RateBurst = DefaultRateBurst
	}

	// Retry defaults
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = DefaultRetryBaseDelay
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = DefaultRetryMultiplier
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = DefaultMaxRetries
	}

	// Auth defaults
	if c.Auth.RefreshPath == "" {
		c.Auth.RefreshPath = DefaultRefreshPath
	}
	if c.Auth.LoginPath == "" {
		c.Auth.LoginPath = DefaultLoginPath
	}
	if c.Auth.LogoutPath == "" {
		c.Auth.LogoutPath = DefaultLogoutPath
	}
	if c.Auth.MaxAttempts == 0 {
		c.Auth.MaxAttempts = DefaultMaxRefreshAttempts
	}
	if c.Auth.Cooldown == 0 {
		c.Auth.Cooldown = DefaultRefreshCooldown
	}
	if c.Auth.LatchDelay == 0 {
		c.Auth.LatchDelay = DefaultLatchDelay
	}

	// Connection defaults
	if c.Connection.URL == "" {
		c.Connection.URL = DefaultWSURL
	}
	if c.Connection.TokenParam == "" {
		c.Connection.TokenParam = DefaultTokenParam
	}
	if c.Connection.ConnectTimeout == 0 {
		c.Connection.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Connection.HeartbeatInterval == 0 {
		c.Connection.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxDelay == 0 {
		c.Connection.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Connection.MaxReconnectAttempts == 0 {
		c.Connection.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}

	// Storage defaults
	if c.Storage.Backend == "" {
		c.Storage.Backend = DefaultStorageBackend
	}
	if c.Storage.Key == "" {
		c.Storage.Key = DefaultStorageKey
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = DefaultStorageDir
	}
	applyDBDefaults(&c.Storage.Postgres)

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
