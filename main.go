package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quailyn/respbridge/internal/config"
	"github.com/quailyn/respbridge/internal/server"
)

func main() {
	os.Exit(cmdServe())
}

func cmdServe() int {
	fs := flag.NewFlagSet("respbridge", flag.ExitOnError)
	cfg := config.DefaultFromEnv()

	fs.StringVar(&cfg.Host, "host", cfg.Host, "Bind host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Listen port")
	fs.StringVar(&cfg.BackendURL, "backend-url", cfg.BackendURL, "Base URL of the Chat Completions-speaking backend")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug|info|warn|error)")
	fs.BoolVar(&cfg.BreakerEnabled, "breaker-enabled", cfg.BreakerEnabled, "Enable the upstream circuit breaker")
	fs.Parse(os.Args[1:])

	configureLogging(cfg.LogLevel)

	if cfg.BackendURL == "" {
		slog.Error("RESPBRIDGE_BACKEND_URL (or -backend-url) is required")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(ctx, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
		cancel()
	}()

	slog.Info("respbridge starting", "host", cfg.Host, "port", cfg.Port, "backend_url", cfg.BackendURL)
	if err := srv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
		slog.Error("server error", "error", err)
		return 1
	}
	return 0
}

func configureLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
