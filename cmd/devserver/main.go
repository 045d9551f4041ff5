// devserver runs a local fake of the remote service for manual testing.
// Usage: go run ./cmd/devserver --addr :8000 --user demo:demo
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/arenalink/internal/devserver"
)

func main() {
	addr := flag.String("addr", ":8000", "listen address")
	user := flag.String("user", "demo:demo", "account as username:password")
	accessTTL := flag.Duration("access-ttl", devserver.DefaultAccessTTL, "access token lifetime")
	secret := flag.String("secret", os.Getenv("DEVSERVER_SECRET"), "HMAC signing key (random when empty)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	username, password, ok := strings.Cut(*user, ":")
	if !ok || username == "" {
		logger.Error("invalid --user, want username:password", "user", *user)
		os.Exit(1)
	}

	opts := []devserver.Option{
		devserver.WithLogger(logger),
		devserver.WithAccessTTL(*accessTTL),
		devserver.WithUser(username, password),
	}
	if *secret != "" {
		opts = append(opts, devserver.WithSecret([]byte(*secret)))
	}
	s := devserver.New(opts...)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("devserver listening", "addr", *addr, "user", username, "access_ttl", *accessTTL)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	logger.Info("devserver stopped")
}
