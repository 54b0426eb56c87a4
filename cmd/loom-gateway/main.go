// Loom gateway: holds the result-delivery WebSockets and routes each
// job's result stream to the client that presented a valid ticket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/gateway"
	"github.com/loomery/loom/pkg/inference"
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

	slog.Info("Starting loom gateway",
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

	// 3. Assemble the delivery pipeline: ticket store, socket manager,
	// and the per-instance results consumer.
	kv := inference.NewKV(busClient.Redis(), cfg.Inference)
	manager := gateway.NewManager(cfg.Gateway)

	consumerCtx, cancelConsumer := context.WithCancel(ctx)
	defer cancelConsumer()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.NewConsumer(busClient, manager).Run(consumerCtx)
	}()

	// 4. Start the WebSocket server (non-blocking)
	server := gateway.NewServer(manager, kv, cfg.Gateway)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("Gateway server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Loom gateway started successfully", "port", cfg.Gateway.Port)

	// 5. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 6. Graceful shutdown: stop accepting sockets, then stop the
	// consumer so its exclusive queue is destroyed before exit.
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Gateway server shutdown error", "error", err)
	}

	cancelConsumer()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Results consumer stopped gracefully")
	case <-time.After(10 * time.Second):
		slog.Warn("Results consumer shutdown timeout exceeded")
	}

	slog.Info("Shutdown complete")
}
