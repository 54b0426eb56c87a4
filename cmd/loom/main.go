// Loom platform server: serves the public HTTP API, hosts the
// service-to-service RPC endpoints, and dispatches inference jobs.
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

	"github.com/loomery/loom/pkg/api"
	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/database"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/inference"
	"github.com/loomery/loom/pkg/rpc"
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

	slog.Info("Starting loom server",
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

	// 4. Resolve key material
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

	// 5. Initialize domain services
	db := dbClient.DB()
	userService := users.NewService(db, issuer, busClient, cfg.Sagas.UserDeletion.Steps)
	projectService := projects.NewService(db, busClient, cfg.Sagas.ProjectDeletion.Steps)
	modelService := aimodels.NewService(db, cipher, busClient)
	toolService := tools.NewService(db, busClient)
	nodeService := nodes.NewService(db, busClient, projectService, modelService)
	memoryService := memory.NewService(db, busClient, projectService)
	fileService := files.NewService(db, busClient, projectService, files.NewFSStore(cfg.Storage.RootDir), cfg.Storage)

	if err := toolService.SeedBuiltins(ctx); err != nil {
		slog.Error("Failed to seed builtin tools", "error", err)
		os.Exit(1)
	}
	slog.Info("Services initialized")

	// 6. Tool runner: Brave search when a key is present, canned otherwise
	var searcher tools.WebSearcher
	if apiKey := os.Getenv(cfg.Tools.BraveAPIKeyEnv); apiKey != "" {
		searcher = &tools.BraveSearcher{APIKey: apiKey, Client: &http.Client{Timeout: cfg.Tools.WebhookTimeout}}
		slog.Info("Web search backend configured", "backend", "brave")
	} else {
		slog.Info("Web search backend configured", "backend", "canned")
	}
	toolRunner := tools.NewRunner(toolService, searcher, cfg.Tools.WebhookTimeout)

	// 7. Start the RPC server hosting the resource services
	rpcServer := rpc.NewServer(cfg.RPC)
	rpcServer.RegisterService(&rpc.NodeServiceDesc, nodes.NewRPCServer(nodeService))
	rpcServer.RegisterService(&rpc.ModelServiceDesc, aimodels.NewRPCServer(modelService))
	rpcServer.RegisterService(&rpc.ToolServiceDesc, tools.NewRPCServer(toolService, toolRunner))
	rpcServer.RegisterService(&rpc.MemoryServiceDesc, memory.NewRPCServer(memoryService))
	rpcServer.RegisterService(&rpc.FileServiceDesc, files.NewRPCServer(fileService))

	errCh := make(chan error, 2)
	go func() {
		if err := rpcServer.Start(); err != nil {
			slog.Error("RPC server error", "error", err)
			errCh <- err
		}
	}()

	// 8. Dial peer services and assemble the inference orchestrator.
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

	kv := inference.NewKV(busClient.Redis(), cfg.Inference)
	orchestrator := inference.NewOrchestrator(inference.Clients{
		Nodes:  rpcClients.Nodes,
		Models: rpcClients.Models,
		Tools:  rpcClients.Tools,
		Memory: rpcClients.Memory,
		Files:  rpcClients.Files,
	}, kv, busClient, cfg.Inference)

	// 9. Start the HTTP server (non-blocking)
	httpServer := api.NewServer(api.Services{
		Users:     userService,
		Projects:  projectService,
		Models:    modelService,
		Tools:     toolService,
		Nodes:     nodeService,
		Buckets:   memoryService,
		Files:     fileService,
		Inference: orchestrator,
	}, issuer, db, cfg.Server)

	go func() {
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Loom server started successfully",
		"http_port", cfg.Server.Port,
		"rpc_addr", cfg.RPC.Listen)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: HTTP first so new work stops arriving,
	// then drain in-flight RPC calls.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	rpcDone := make(chan struct{})
	go func() {
		rpcServer.GracefulStop()
		close(rpcDone)
	}()
	select {
	case <-rpcDone:
		slog.Info("RPC server stopped gracefully")
	case <-time.After(10 * time.Second):
		slog.Warn("RPC shutdown timeout exceeded")
	}

	slog.Info("Shutdown complete")
}
