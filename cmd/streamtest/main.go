// streamtest connects the socket and prints every published event to the
// console.
// Usage: go run ./cmd/streamtest --config configs/arenalink.example.yaml
//
// Logs in with ARENALINK_USERNAME and ARENALINK_PASSWORD when no credential
// is stored. Each line read from stdin as "type {json}" is sent as a frame.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/arenalink/internal/config"
	"github.com/rickgao/arenalink/internal/connection"
	"github.com/rickgao/arenalink/internal/core"
	"github.com/rickgao/arenalink/internal/logging"
)

func main() {
	configPath := flag.String("config", "configs/arenalink.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "print full frame JSON")
	flag.Parse()

	// Load config
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	cfg.Logging.Level = "debug"
	logger, err := logging.New(os.Stderr, cfg.Logging)
	if err != nil {
		slog.Error("failed to create logger", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := core.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	c.Conn.On(connection.EventMessage, func(ev connection.Event) {
		printFrame(ev, *verbose)
	})
	for _, name := range []string{
		connection.EventConnected,
		connection.EventDisconnected,
		connection.EventReconnecting,
		connection.EventReconnectFailed,
		connection.EventError,
	} {
		c.Conn.On(name, printLifecycle)
	}
	c.Conn.On(connection.EventReconnectFailed, func(ev connection.Event) {
		if !ev.IsFrame() {
			cancel()
		}
	})

	if !c.Start() {
		username := os.Getenv("ARENALINK_USERNAME")
		if username == "" {
			logger.Error("no stored credential, set ARENALINK_USERNAME and ARENALINK_PASSWORD")
			os.Exit(1)
		}
		if err := c.Login(ctx, username, os.Getenv("ARENALINK_PASSWORD")); err != nil {
			logger.Error("login failed", "error", err)
			os.Exit(1)
		}
	}

	go readFrames(ctx, c.Conn, logger)

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := c.Conn.Stats()
				logger.Info("stats",
					"state", stats.State,
					"reconnect_attempts", stats.ReconnectAttempts,
					"queued", stats.Queued,
					"frames_in", stats.FramesIn,
					"frames_out", stats.FramesOut,
					"frames_dropped", stats.FramesDropped,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	<-ctx.Done()

	logger.Info("shutdown complete")
}

func printFrame(ev connection.Event, verbose bool) {
	if verbose {
		data, _ := json.MarshalIndent(map[string]any{
			"type":      ev.Type,
			"data":      ev.Data,
			"timestamp": ev.Timestamp,
		}, "", "  ")
		fmt.Printf("[FRAME] %s\n", data)
		return
	}
	fmt.Printf("[FRAME] type=%s size=%d ts=%d\n", ev.Type, len(ev.Data), ev.Timestamp)
}

func printLifecycle(ev connection.Event) {
	if ev.IsFrame() {
		return
	}
	switch ev.Type {
	case connection.EventReconnecting:
		fmt.Printf("[%s] attempt=%d delay=%s\n", strings.ToUpper(ev.Type), ev.Attempt, ev.Delay)
	case connection.EventDisconnected:
		fmt.Printf("[%s] code=%d\n", strings.ToUpper(ev.Type), ev.Code)
	case connection.EventError:
		fmt.Printf("[%s] %v\n", strings.ToUpper(ev.Type), ev.Err)
	default:
		fmt.Printf("[%s] state=%s\n", strings.ToUpper(ev.Type), ev.State)
	}
}

// readFrames sends each stdin line "type {json}" as a frame.
func readFrames(ctx context.Context, m *connection.Manager, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		typ, payload, _ := strings.Cut(line, " ")
		var data any
		if payload != "" {
			if !json.Valid([]byte(payload)) {
				logger.Warn("payload is not valid JSON", "line", line)
				continue
			}
			data = json.RawMessage(payload)
		}
		if err := m.Send(typ, data); err != nil {
			logger.Warn("send failed", "type", typ, "error", err)
		}
	}
}
