// BettaFish supervisor server — manages the engine child processes and the
// forum aggregator, and serves the report generation HTTP/SSE API.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bettafish/bettafish/pkg/api"
	"github.com/bettafish/bettafish/pkg/config"
	"github.com/bettafish/bettafish/pkg/events"
	"github.com/bettafish/bettafish/pkg/supervisor"
)

func main() {
	envPath := flag.String("env", "", "path to the .env file (default: auto-discover)")
	autostart := flag.Bool("autostart", true, "initialize the engines on boot")
	flag.Parse()

	path := *envPath
	if path == "" {
		path = config.FindEnvFile()
	}

	cfg, err := config.NewManager(path)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	settings := cfg.Current()

	logPath := filepath.Join(settings.LogsDir, "app.log")
	setupLogging(settings.LogsDir, logPath)

	slog.Info("Starting BettaFish",
		"http_port", settings.HTTPPort,
		"env_path", path,
		"logs_dir", settings.LogsDir)

	sup := supervisor.New(cfg)
	if *autostart {
		if err := sup.Initialize(context.Background()); err != nil {
			// The system stays reachable so /api/system/start can retry.
			slog.Error("System initialization failed", "error", err)
		}
	}

	bus := events.NewBus(events.Options{
		TerminalGrace: settings.SSE.IdleTimeout,
	})
	server := api.NewServer(api.Options{
		Config:     cfg,
		Supervisor: sup,
		Bus:        bus,
		LogPath:    logPath,
	})

	httpServer := &http.Server{
		Addr:    ":" + settings.HTTPPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	sup.CleanupConcurrent(supervisor.CleanupTimeout)
	slog.Info("Shutdown complete")
}

// setupLogging routes slog to stderr and the app log file; the file feeds
// GET /api/report/log.
func setupLogging(logsDir, logPath string) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		slog.Warn("Could not create logs directory", "path", logsDir, "error", err)
		return
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("Could not open app log file", "path", logPath, "error", err)
		return
	}
	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, f), nil)
	slog.SetDefault(slog.New(handler))
}
