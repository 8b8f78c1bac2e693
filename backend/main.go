// Command backend runs the development chat server the client talks to in
// local setups and integration tests.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/abdelmounim-dev/chatsync/config"
	"github.com/abdelmounim-dev/chatsync/metrics"
	"github.com/abdelmounim-dev/chatsync/mockserver"
	"github.com/abdelmounim-dev/chatsync/models"
	"github.com/abdelmounim-dev/chatsync/observability"
	"github.com/abdelmounim-dev/chatsync/services"
)

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// demoUsers parses CHATSYNC_DEMO_USERS, a comma separated list of
// id:username:password entries.
func demoUsers(list string) ([]mockserver.Option, error) {
	var opts []mockserver.Option
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid demo user %q, want id:username:password", entry)
		}
		user := models.User{ID: parts[0], Username: parts[1], Name: parts[1]}
		opts = append(opts, mockserver.WithUser(parts[1], parts[2], user))
	}
	return opts, nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("backend stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := config.Initialize(getEnv("ENVIRONMENT", "dev")); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	cfg := config.Get()
	logger := observability.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	opts, err := demoUsers(getEnv("CHATSYNC_DEMO_USERS", "1:alice:alice,2:bob:bob"))
	if err != nil {
		return err
	}
	opts = append(opts, mockserver.WithLogger(logger), mockserver.WithPrefix(cfg.API.Prefix))

	// Revoked tokens survive restarts when Redis is configured.
	var rdb *redis.Client
	if cfg.Storage.Type == "redis" {
		rdb, err = services.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer services.CloseRedisClient(rdb)
		opts = append(opts, mockserver.WithRevocations(mockserver.NewRedisRevocations(rdb, cfg.Auth.RevocationListKey)))
		logger.Info("using redis revocation list", "address", cfg.Redis.Address)
	}

	if cfg.Metrics.Enabled {
		metricsSrv := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
		defer metricsSrv.Close()
	}

	server := mockserver.New(cfg.Auth, opts...)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("backend started", "addr", srv.Addr, "prefix", cfg.API.Prefix, "realtime", mockserver.RealtimePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Graceful shutdown
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	server.DropConnections()
	return srv.Shutdown(shutdownCtx)
}
