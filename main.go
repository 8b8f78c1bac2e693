package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abdelmounim-dev/chatsync/client"
	"github.com/abdelmounim-dev/chatsync/config"
	"github.com/abdelmounim-dev/chatsync/metrics"
	"github.com/abdelmounim-dev/chatsync/models"
	"github.com/abdelmounim-dev/chatsync/observability"
	"github.com/abdelmounim-dev/chatsync/websocket"
)

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func main() {
	if err := run(); err != nil {
		slog.Error("chatsync stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize config
	if err := config.Initialize(getEnv("ENVIRONMENT", "dev")); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	cfg := config.Get()

	logger := observability.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	if cfg.Metrics.Enabled {
		srv := metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path, logger)
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			srv.Shutdown(shutdownCtx)
		}()
	}

	c, err := client.New(ctx, cfg, client.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Dispose()

	if err := c.Init(ctx); err != nil {
		return fmt.Errorf("failed to restore session: %w", err)
	}
	if !c.Authenticated() {
		user, err := c.Login(ctx, getEnv("CHATSYNC_USER", ""), getEnv("CHATSYNC_PASSWORD", ""))
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		logger.Info("logged in", "user_id", user.ID, "username", user.Username)
	}

	channelID := getEnv("CHATSYNC_CHANNEL", "1")
	messages, stopMessages, err := c.WatchMessages(ctx, channelID)
	if err != nil {
		return err
	}
	defer stopMessages()

	status, stopStatus, err := c.WatchConnectionStatus(channelID)
	if err != nil {
		return err
	}
	defer stopStatus()
	typing, stopTyping := c.WatchTyping(channelID)
	defer stopTyping()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	printed := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			return nil
		case list, ok := <-messages:
			if !ok {
				return nil
			}
			printNew(list, printed)
		case connected := <-status:
			logger.Info("connection status", "channel_id", channelID, "connected", connected)
		case users := <-typing:
			if len(users) > 0 {
				fmt.Printf("typing: %v\n", users)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if res := c.Send(ctx, channelID, line, websocket.SendOptions{}); !res.OK() {
				fmt.Printf("not sent (retryable=%t): %v\n", res.Retryable(), res.Err)
			}
		}
	}
}

// printNew writes messages confirmed by the server that were not printed
// before.
func printNew(list []models.Message, printed map[string]bool) {
	for _, msg := range list {
		if msg.Status == models.StatusPending || msg.Status == models.StatusFailed || printed[msg.ID] {
			continue
		}
		printed[msg.ID] = true
		fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Local().Format(time.Kitchen), msg.SenderID, msg.Content)
	}
}
