// Loom executor: consumes the durable inference job queue, drives the
// model and agent loop for each job, and publishes results.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/executor"
	"github.com/loomery/loom/pkg/metrics"
	"github.com/loomery/loom/pkg/rpc"
	"github.com/loomery/loom/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	metricsPort := getEnv("METRICS_PORT", "9091")

	slog.Info("Starting loom executor",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect to the event bus
	busClient, err := bus.Connect(ctx, cfg.BusURL(), cfg.Bus)
	if err != nil {
		slog.Error("Failed to connect to event bus", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := busClient.Close(); err != nil {
			slog.Error("Error closing bus client", "error", err)
		}
	}()
	slog.Info("Connected to event bus")

	// 3. Dial the tool and file services.
	// grpc.NewClient dials lazily; connections are established on first use.
	rpcClients, err := rpc.DialAll(cfg.RPC)
	if err != nil {
		slog.Error("Failed to dial RPC endpoints", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rpcClients.Close(); err != nil {
			slog.Error("Error closing RPC clients", "error", err)
		}
	}()

	// 4. Start the executor
	exec := executor.New(executor.Deps{
		Bus:   busClient,
		Tools: rpcClients.Tools,
		Files: rpcClients.Files,
	}, cfg.Executor)

	consumeCtx, cancelConsume := context.WithCancel(ctx)
	defer cancelConsume()
	exec.Start(consumeCtx)

	// 5. Health and metrics listener (non-blocking)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"executor"}`))
	})
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: ":" + metricsPort, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Metrics listener started", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics listener error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Loom executor started successfully",
		"prefetch", cfg.Executor.Prefetch,
		"queue", cfg.Executor.Queue)

	// 6. Wait for shutdown signal or listener error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Listener error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: stop consuming new jobs, then give running
	// jobs the configured grace period to finish.
	cancelConsume()
	exec.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Metrics listener shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
