// Loom worker: runs the saga finalizers, the deletion fan-out
// consumers, the node healer, the memory feedback consumer, and the
// saga retention sweeper.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
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
	"github.com/loomery/loom/pkg/cleanup"
	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/database"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/metrics"
	"github.com/loomery/loom/pkg/saga"
	"github.com/loomery/loom/pkg/services/aimodels"
	"github.com/loomery/loom/pkg/services/files"
	"github.com/loomery/loom/pkg/services/memory"
	"github.com/loomery/loom/pkg/services/nodes"
	"github.com/loomery/loom/pkg/services/projects"
	"github.com/loomery/loom/pkg/services/tools"
	"github.com/loomery/loom/pkg/services/users"
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

	metricsPort := getEnv("METRICS_PORT", "9090")

	slog.Info("Starting loom worker",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Connect to the event bus
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

	// 4. Initialize the services behind the consumers
	signingKey, err := cfg.SigningKey()
	if err != nil {
		slog.Error("Failed to resolve signing key", "error", err)
		os.Exit(1)
	}
	issuer, err := identity.NewIssuer(cfg.Auth, signingKey)
	if err != nil {
		slog.Error("Failed to initialize token issuer", "error", err)
		os.Exit(1)
	}
	encryptionKey, err := cfg.EncryptionKey()
	if err != nil {
		slog.Error("Failed to resolve encryption key", "error", err)
		os.Exit(1)
	}
	cipher, err := aimodels.NewCipher(encryptionKey)
	if err != nil {
		slog.Error("Failed to initialize credential cipher", "error", err)
		os.Exit(1)
	}

	db := dbClient.DB()
	userService := users.NewService(db, issuer, busClient, cfg.Sagas.UserDeletion.Steps)
	projectService := projects.NewService(db, busClient, cfg.Sagas.ProjectDeletion.Steps)
	modelService := aimodels.NewService(db, cipher, busClient)
	toolService := tools.NewService(db, busClient)
	nodeService := nodes.NewService(db, busClient, projectService, modelService)
	memoryService := memory.NewService(db, busClient, projectService)
	fileService := files.NewService(db, busClient, projectService, files.NewFSStore(cfg.Storage.RootDir), cfg.Storage)
	slog.Info("Services initialized")

	// 5. Start the consumers. Each subscription blocks until the shared
	// context is cancelled; anything else it returns is fatal.
	consumerCtx, cancelConsumers := context.WithCancel(ctx)
	defer cancelConsumers()

	var wg sync.WaitGroup
	errCh := make(chan error, 16)

	runConsumer := func(name string, run func(context.Context, *bus.Client) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(consumerCtx, busClient); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	memoryCleanup := memory.NewCleanup(memoryService)
	fileCleanup := files.NewCleanup(fileService)

	runConsumer("project_finalizer", saga.NewProjectFinalizer(db, projectService.DeleteRoot).Run)
	runConsumer("user_finalizer", saga.NewUserFinalizer(db, userService.DeleteRoot).Run)
	runConsumer("project_user_cleanup", projects.NewUserCleanup(projectService).Run)
	runConsumer("model_user_cleanup", aimodels.NewUserCleanup(modelService).Run)
	runConsumer("tool_user_cleanup", tools.NewUserCleanup(toolService).Run)
	runConsumer("node_project_cleanup", nodes.NewProjectCleanup(nodeService).Run)
	runConsumer("node_healer", nodes.NewHealer(db).Run)
	runConsumer("memory_user_cleanup", memoryCleanup.RunUser)
	runConsumer("memory_project_cleanup", memoryCleanup.RunProject)
	runConsumer("memory_context", memory.NewContextConsumer(memoryService).Run)
	runConsumer("file_user_cleanup", fileCleanup.RunUser)
	runConsumer("file_project_cleanup", fileCleanup.RunProject)

	// 6. Start the saga retention sweeper
	sweeper := cleanup.NewService(cfg.Retention, db)
	if cfg.Retention.Enabled {
		sweeper.Start(ctx)
	}

	// 7. Health and metrics listener (non-blocking)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","service":"worker"}`))
	})
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: ":" + metricsPort, Handler: mux}
	go func() {
		slog.Info("Metrics listener started", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics listener error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Loom worker started successfully")

	// 8. Wait for shutdown signal or consumer error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Consumer error triggered shutdown", "error", err)
		exitCode = 1
		var bindErr *bus.BindError
		if errors.As(err, &bindErr) {
			// Broken topology is an operator problem; use a distinct
			// status so supervisors can tell it from a crash.
			exitCode = 2
		}
	}

	// 9. Graceful shutdown: stop consuming, then wait for in-flight
	// handlers to settle.
	cancelConsumers()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Consumers stopped gracefully")
	case <-time.After(30 * time.Second):
		slog.Warn("Consumer shutdown timeout exceeded")
	}

	if cfg.Retention.Enabled {
		sweeper.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Metrics listener shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
