// Package core wires the transport components into one client: credential
// storage, the request dispatcher, the refresh coordinator and the socket
// manager.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/arenalink/internal/api"
	"github.com/rickgao/arenalink/internal/auth"
	"github.com/rickgao/arenalink/internal/config"
	"github.com/rickgao/arenalink/internal/connection"
	"github.com/rickgao/arenalink/internal/credential"
	"github.com/rickgao/arenalink/internal/database"
	"github.com/rickgao/arenalink/internal/metrics"
	"github.com/rickgao/arenalink/internal/retry"
)

// Core holds the wired components. Fields are safe to use directly.
type Core struct {
	Store   *credential.Store
	API     *api.Client
	Auth    *api.AuthClient
	Refresh *auth.Coordinator
	Session *auth.Session
	Conn    *connection.Manager
	Metrics *metrics.Metrics

	cfg    *config.Config
	pool   *pgxpool.Pool
	logger *slog.Logger
}

type options struct {
	registerer prometheus.Registerer
	clock      clock.Clock
	backend    credential.Backend
}

// Option configures New.
type Option func(*options)

// WithRegisterer registers collectors with reg. Without it no metrics are
// recorded.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithClock drives every timer from clk.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithBackend overrides the storage backend named in the config.
func WithBackend(b credential.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// New builds a Core from cfg. It does not connect the socket; call Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Core{cfg: cfg, logger: logger}

	backend := o.backend
	if backend == nil {
		var err error
		backend, c.pool, err = openBackend(ctx, cfg.Storage, logger)
		if err != nil {
			return nil, err
		}
	}

	if o.registerer != nil {
		c.Metrics = metrics.New(o.registerer)
	}

	c.Store = credential.Open(ctx, backend, cfg.Storage.Key, logger.With("component", "credential"))

	// Auth calls never retry and never replay; the coordinator owns that policy.
	authHTTP := api.NewClient(cfg.API.BaseURL, nil,
		api.WithLogger(logger.With("component", "auth_client")),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(0, cfg.Retry.BaseDelay),
		api.WithUserAgent(cfg.API.UserAgent),
		api.WithClock(o.clock),
	)
	c.Auth = api.NewAuthClient(authHTTP, api.AuthPaths{
		Refresh: cfg.Auth.RefreshPath,
		Login:   cfg.Auth.LoginPath,
		Logout:  cfg.Auth.LogoutPath,
	})

	c.Session = auth.NewSession(c.Auth, c.Store, logger.With("component", "session"))

	c.Conn = connection.NewManager(connection.Config{
		URL:                  cfg.Connection.URL,
		TokenParam:           cfg.Connection.TokenParam,
		ConnectTimeout:       cfg.Connection.ConnectTimeout,
		HeartbeatInterval:    cfg.Connection.HeartbeatInterval,
		StaleTimeout:         cfg.Connection.StaleTimeout,
		ReconnectBaseDelay:   cfg.Connection.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Connection.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		WriteTimeout:         cfg.Connection.WriteTimeout,
	}, nil, logger.With("component", "connection"),
		connection.WithCredentialSource(c.Store),
		connection.WithMetrics(c.Metrics),
		connection.WithClock(o.clock),
	)

	c.Refresh = auth.NewCoordinator(auth.Config{
		MaxAttempts: cfg.Auth.MaxAttempts,
		Cooldown:    cfg.Auth.Cooldown,
		LatchDelay:  cfg.Auth.LatchDelay,
	}, c.Store, c.Auth, logger.With("component", "auth"),
		auth.WithClock(o.clock),
		auth.WithMetrics(c.Metrics),
		auth.WithFailureHandler(c.onAuthFailure),
	)

	policy := retry.DefaultPolicy()
	policy.BaseDelay = cfg.Retry.BaseDelay
	policy.Multiplier = cfg.Retry.Multiplier
	policy.MaxRetries = cfg.Retry.MaxRetries

	c.API = api.NewClient(cfg.API.BaseURL, c.Store,
		api.WithLogger(logger.With("component", "api")),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetryPolicy(policy),
		api.WithRefresher(c.Refresh),
		api.WithMetrics(c.Metrics),
		api.WithRateLimit(cfg.API.RateLimit, cfg.API.RateBurst),
		api.WithUserAgent(cfg.API.UserAgent),
		api.WithProactiveRefresh(cfg.API.ProactiveRefresh),
		api.WithClock(o.clock),
	)

	return c, nil
}

func openBackend(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (credential.Backend, *pgxpool.Pool, error) {
	switch cfg.Backend {
	case "memory":
		return credential.NewMemoryBackend(), nil, nil
	case "postgres":
		logger.Info("connecting to database",
			"host", cfg.Postgres.Host,
			"port", cfg.Postgres.Port,
			"database", cfg.Postgres.Name,
		)
		pool, err := database.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		backend := database.NewCredentialBackend(pool)
		if err := backend.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return backend, pool, nil
	case "file", "":
		return credential.NewFileBackend(cfg.Dir), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// onAuthFailure tears the session down after a terminal refresh failure.
func (c *Core) onAuthFailure(err error) {
	c.logger.Warn("session expired", "error", err)
	c.Conn.Disconnect()
	if err := c.Session.Expire(context.Background()); err != nil {
		c.logger.Error("failed to clear credential", "error", err)
	}
}

// Start connects the socket when a credential is stored. It reports whether
// a connect was started.
func (c *Core) Start() bool {
	cred, ok := c.Store.Get()
	if !ok {
		return false
	}
	c.Conn.Connect(cred)
	return true
}

// Login authenticates and connects the socket with the new token.
func (c *Core) Login(ctx context.Context, username, password string) error {
	cred, err := c.Session.Login(ctx, username, password)
	if err != nil {
		return err
	}
	c.Conn.Connect(cred)
	return nil
}

// Logout closes the socket and ends the session.
func (c *Core) Logout(ctx context.Context) error {
	c.Conn.Disconnect()
	return c.Session.Logout(ctx)
}

// Health is the report served on the health endpoint.
type Health struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
}

// Health reports component status. The client is unhealthy when the
// database is unreachable and degraded while the socket is not connected.
func (c *Core) Health(ctx context.Context) Health {
	h := Health{
		Status:     "healthy",
		Components: make(map[string]any),
	}

	if c.pool != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.pool.Ping(pingCtx); err != nil {
			h.Status = "unhealthy"
			h.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			h.Components["postgres"] = "connected"
		}
	}

	_, loggedIn := c.Store.Get()
	h.Components["credential"] = map[string]any{
		"present": loggedIn,
	}

	rs := c.Refresh.Stats()
	refresh := map[string]any{
		"phase":    rs.Phase.String(),
		"attempts": rs.Attempts,
	}
	if !rs.CooldownUntil.IsZero() {
		refresh["cooldown_until"] = rs.CooldownUntil
	}
	h.Components["auth"] = refresh

	cs := c.Conn.Stats()
	h.Components["connection"] = map[string]any{
		"state":              cs.State.String(),
		"reconnect_attempts": cs.ReconnectAttempts,
		"queued":             cs.Queued,
		"queue_capacity":     cs.QueueCapacity,
		"frames_in":          cs.FramesIn,
		"frames_out":         cs.FramesOut,
		"frames_dropped":     cs.FramesDropped,
	}
	if cs.State != connection.StateConnected && h.Status == "healthy" {
		h.Status = "degraded"
	}

	return h
}

// Close disconnects the socket and releases the database pool.
func (c *Core) Close() {
	c.Conn.Close()
	if c.pool != nil {
		c.pool.Close()
	}
}
