// Package main is the entry point for the order relay service.
// It loads configuration, opens the broker and runs the HTTP server and
// order listener until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"order-relay/internal/app"
	"order-relay/internal/banner"
	"order-relay/internal/config"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger until the configured one is available
	logger := initLogger(os.Stdout, config.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	logger = initLogger(os.Stdout, cfg.Logger)

	banner.Print(os.Stdout, string(cfg.Broker.Driver))

	logger.Info("configuration loaded",
		"path", *configPath,
		"driver", string(cfg.Broker.Driver),
		"queue_manager", cfg.Broker.QueueManager,
		"channel", cfg.Broker.Channel,
		"endpoint", cfg.Broker.Endpoint,
		"queue", cfg.Broker.Queue,
	)

	svc, err := app.New(cfg, logger, app.Options{})
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}

	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := svc.Run(ctx); err != nil {
		logger.Error("order relay failed", "error", err)
		cancel()
		os.Exit(1)
	}
}

// initLogger creates the application logger from the logger settings and
// installs it as the slog default.
func initLogger(w io.Writer, cfg config.LoggerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
