// arenalink runs the transport client: it restores or creates a session,
// keeps the socket connected and serves health and metrics.
//
// Usage: go run ./cmd/arenalink --config configs/arenalink.example.yaml
//
// When no credential is stored, ARENALINK_USERNAME and ARENALINK_PASSWORD
// are used to log in.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/arenalink/internal/config"
	"github.com/rickgao/arenalink/internal/connection"
	"github.com/rickgao/arenalink/internal/core"
	"github.com/rickgao/arenalink/internal/logging"
	"github.com/rickgao/arenalink/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/arenalink.example.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger, err := logging.New(os.Stdout, cfg.Logging)
	if err != nil {
		slog.Error("failed to create logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("starting arenalink",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)
	logger.Info("configuration loaded",
		"api_url", cfg.API.BaseURL,
		"ws_url", cfg.Connection.URL,
		"storage", cfg.Storage.Backend,
	)

	// Create context with cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var opts []core.Option
	if cfg.Metrics.Enabled {
		opts = append(opts, core.WithRegisterer(reg))
	}

	c, err := core.New(ctx, cfg, logger, opts...)
	if err != nil {
		logger.Error("failed to initialize client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	logLifecycle(c.Conn, logger)

	if !c.Start() {
		username, password := os.Getenv("ARENALINK_USERNAME"), os.Getenv("ARENALINK_PASSWORD")
		if username == "" {
			logger.Warn("no stored credential and ARENALINK_USERNAME not set, socket stays disconnected")
		} else if err := c.Login(ctx, username, password); err != nil {
			logger.Error("login failed", "error", err)
			os.Exit(1)
		}
	}

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           createHealthHandler(c, reg, cfg.Metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	logger.Info("arenalink running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
	}

	logger.Info("arenalink stopped")
}

// logLifecycle logs socket lifecycle events.
func logLifecycle(m *connection.Manager, logger *slog.Logger) {
	on := func(name string, fn func(connection.Event)) {
		m.On(name, func(ev connection.Event) {
			if !ev.IsFrame() {
				fn(ev)
			}
		})
	}
	on(connection.EventConnected, func(connection.Event) {
		logger.Info("socket connected")
	})
	on(connection.EventDisconnected, func(ev connection.Event) {
		logger.Info("socket disconnected", "code", ev.Code)
	})
	on(connection.EventReconnecting, func(ev connection.Event) {
		logger.Info("socket reconnecting", "attempt", ev.Attempt, "delay", ev.Delay)
	})
	on(connection.EventReconnectFailed, func(ev connection.Event) {
		logger.Error("socket reconnect failed, giving up", "attempts", ev.Attempt)
	})
	on(connection.EventError, func(ev connection.Event) {
		logger.Warn("socket error", "error", ev.Err)
	})
}

// createHealthHandler creates the HTTP handler for health checks and metrics.
func createHealthHandler(c *core.Core, reg *prometheus.Registry, cfg config.MetricsConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := c.Health(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	if cfg.Enabled {
		mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	return mux
}
