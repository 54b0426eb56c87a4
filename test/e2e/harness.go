// Package e2e provides end-to-end test infrastructure for the loom
// platform: one TestApp boots the API, the RPC services, the gateway,
// the worker consumers, and the executor inside a single process, on a
// per-test database schema and an in-memory Redis.
package e2e

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/loomery/loom/pkg/api"
	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/config"
	"github.com/loomery/loom/pkg/database"
	"github.com/loomery/loom/pkg/executor"
	"github.com/loomery/loom/pkg/gateway"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/inference"
	"github.com/loomery/loom/pkg/llm"
	"github.com/loomery/loom/pkg/models"
	"github.com/loomery/loom/pkg/rpc"
	"github.com/loomery/loom/pkg/saga"
	"github.com/loomery/loom/pkg/services/aimodels"
	"github.com/loomery/loom/pkg/services/files"
	"github.com/loomery/loom/pkg/services/memory"
	"github.com/loomery/loom/pkg/services/nodes"
	"github.com/loomery/loom/pkg/services/projects"
	"github.com/loomery/loom/pkg/services/tools"
	"github.com/loomery/loom/pkg/services/users"
	testdb "github.com/loomery/loom/test/database"
)

// Test key material. The signing key is arbitrary; the encryption key
// must be exactly 32 bytes for AES-256.
var (
	testSigningKey    = []byte("loom-e2e-signing-key")
	testEncryptionKey = []byte("0123456789abcdef0123456789abcdef")
)

// TestApp boots a complete loom deployment for e2e testing.
type TestApp struct {
	// Core
	Config   *config.Config
	DBClient *database.Client
	Bus      *bus.Client

	// Redis backing the bus and the job KV. Nil when the test injected
	// an external address via WithRedisAddr.
	Redis *miniredis.Miniredis

	// Domain services, for direct seeding and asserts.
	Issuer   *identity.Issuer
	Users    *users.Service
	Projects *projects.Service
	Models   *aimodels.Service
	Tools    *tools.Service
	Nodes    *nodes.Service
	Memory   *memory.Service
	Files    *files.Service

	// Inference plane
	KV           *inference.KV
	Orchestrator *inference.Orchestrator
	Executor     *executor.Executor
	Gateway      *gateway.Manager

	// Runtime
	BaseURL      string // e.g. "http://127.0.0.1:54321"
	GatewayWSURL string // e.g. "ws://127.0.0.1:54322/ws/results/"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg          *config.Config
	dbClient     *database.Client // injected DB client (for multi-replica tests)
	redisAddr    string           // injected Redis address (for multi-replica tests)
	modelFactory executor.ModelFactory
	noExecutor   bool
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithDBClient injects a pre-created database client, skipping the
// default per-test schema creation. Used for multi-replica tests where
// multiple TestApp instances share the same schema.
func WithDBClient(client *database.Client) TestAppOption {
	return func(c *testAppConfig) { c.dbClient = client }
}

// WithRedisAddr points the app at an existing Redis instead of booting
// its own miniredis. Used for multi-replica tests where the instances
// must share the bus.
func WithRedisAddr(addr string) TestAppOption {
	return func(c *testAppConfig) { c.redisAddr = addr }
}

// WithModelFactory swaps the executor's provider model factory.
func WithModelFactory(f executor.ModelFactory) TestAppOption {
	return func(c *testAppConfig) { c.modelFactory = f }
}

// WithModel makes every job run against the given model, regardless of
// provider. The usual choice is an llm.ScriptedModel.
func WithModel(m llms.Model) TestAppOption {
	return WithModelFactory(func(context.Context, llm.Spec) (llms.Model, error) {
		return m, nil
	})
}

// WithoutExecutor leaves the job queue unconsumed, for tests that
// inspect submitted-but-unclaimed state.
func WithoutExecutor() TestAppOption {
	return func(c *testAppConfig) { c.noExecutor = true }
}

// NewTestApp creates and starts a full loom test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = defaultTestConfig(t)
	}
	cfg := tc.cfg
	ctx := context.Background()

	// 1. Database — per-test schema unless a shared client was injected.
	dbClient := tc.dbClient
	if dbClient == nil {
		dbClient = testdb.NewTestClient(t)
	}
	db := dbClient.DB()

	// 2. Event bus — in-memory Redis unless an address was injected.
	var mini *miniredis.Miniredis
	redisAddr := tc.redisAddr
	if redisAddr == "" {
		mini = miniredis.RunT(t)
		redisAddr = mini.Addr()
	}
	busClient, err := bus.Connect(ctx, "redis://"+redisAddr, cfg.Bus)
	require.NoError(t, err)

	// Durable groups start at the stream tail, so every queue must be
	// bound before the first publish or early events are lost.
	bindQueues(t, busClient, cfg)

	// 3. Key material.
	issuer, err := identity.NewIssuer(cfg.Auth, testSigningKey)
	require.NoError(t, err)
	cipher, err := aimodels.NewCipher(testEncryptionKey)
	require.NoError(t, err)

	// 4. Domain services.
	userService := users.NewService(db, issuer, busClient, cfg.Sagas.UserDeletion.Steps)
	projectService := projects.NewService(db, busClient, cfg.Sagas.ProjectDeletion.Steps)
	modelService := aimodels.NewService(db, cipher, busClient)
	toolService := tools.NewService(db, busClient)
	nodeService := nodes.NewService(db, busClient, projectService, modelService)
	memoryService := memory.NewService(db, busClient, projectService)
	fileService := files.NewService(db, busClient, projectService, files.NewFSStore(cfg.Storage.RootDir), cfg.Storage)
	require.NoError(t, toolService.SeedBuiltins(ctx))

	// 5. RPC plane on a loopback listener; every endpoint dials it.
	toolRunner := tools.NewRunner(toolService, nil, cfg.Tools.WebhookTimeout)
	rpcServer := rpc.NewServer(cfg.RPC)
	rpcServer.RegisterService(&rpc.NodeServiceDesc, nodes.NewRPCServer(nodeService))
	rpcServer.RegisterService(&rpc.ModelServiceDesc, aimodels.NewRPCServer(modelService))
	rpcServer.RegisterService(&rpc.ToolServiceDesc, tools.NewRPCServer(toolService, toolRunner))
	rpcServer.RegisterService(&rpc.MemoryServiceDesc, memory.NewRPCServer(memoryService))
	rpcServer.RegisterService(&rpc.FileServiceDesc, files.NewRPCServer(fileService))

	rpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = rpcServer.Serve(rpcLis) }()

	rpcAddr := rpcLis.Addr().String()
	cfg.RPC.Endpoints = config.RPCEndpoints{
		Nodes:    rpcAddr,
		AIModels: rpcAddr,
		Tools:    rpcAddr,
		Memory:   rpcAddr,
		Files:    rpcAddr,
	}
	rpcClients, err := rpc.DialAll(cfg.RPC)
	require.NoError(t, err)

	// 6. Inference orchestrator and the ephemeral job records.
	kv := inference.NewKV(busClient.Redis(), cfg.Inference)
	orchestrator := inference.NewOrchestrator(inference.Clients{
		Nodes:  rpcClients.Nodes,
		Models: rpcClients.Models,
		Tools:  rpcClients.Tools,
		Memory: rpcClients.Memory,
		Files:  rpcClients.Files,
	}, kv, busClient, cfg.Inference)

	// 7. API server.
	apiServer := api.NewServer(api.Services{
		Users:     userService,
		Projects:  projectService,
		Models:    modelService,
		Tools:     toolService,
		Nodes:     nodeService,
		Buckets:   memoryService,
		Files:     fileService,
		Inference: orchestrator,
	}, issuer, db, cfg.Server)
	apiTS := httptest.NewServer(apiServer.Handler())

	// 8. Gateway: socket manager, per-instance results feed, WS server.
	consumerCtx, cancelConsumers := context.WithCancel(ctx)
	var wg sync.WaitGroup

	manager := gateway.NewManager(cfg.Gateway)
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.NewConsumer(busClient, manager).Run(consumerCtx)
	}()

	gwServer := gateway.NewServer(manager, kv, cfg.Gateway)
	gwTS := httptest.NewServer(gwServer.Handler())

	// 9. Worker consumers, the same set the worker binary runs.
	runConsumer := func(run func(context.Context, *bus.Client) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = run(consumerCtx, busClient)
		}()
	}

	memoryCleanup := memory.NewCleanup(memoryService)
	fileCleanup := files.NewCleanup(fileService)

	runConsumer(saga.NewProjectFinalizer(db, projectService.DeleteRoot).Run)
	runConsumer(saga.NewUserFinalizer(db, userService.DeleteRoot).Run)
	runConsumer(projects.NewUserCleanup(projectService).Run)
	runConsumer(aimodels.NewUserCleanup(modelService).Run)
	runConsumer(tools.NewUserCleanup(toolService).Run)
	runConsumer(nodes.NewProjectCleanup(nodeService).Run)
	runConsumer(nodes.NewHealer(db).Run)
	runConsumer(memoryCleanup.RunUser)
	runConsumer(memoryCleanup.RunProject)
	runConsumer(memory.NewContextConsumer(memoryService).Run)
	runConsumer(fileCleanup.RunUser)
	runConsumer(fileCleanup.RunProject)

	// 10. Executor.
	var exec *executor.Executor
	if !tc.noExecutor {
		exec = executor.New(executor.Deps{
			Bus:    busClient,
			Tools:  rpcClients.Tools,
			Files:  rpcClients.Files,
			Models: tc.modelFactory,
		}, cfg.Executor)
		exec.Start(consumerCtx)
	}

	app := &TestApp{
		Config:       cfg,
		DBClient:     dbClient,
		Bus:          busClient,
		Redis:        mini,
		Issuer:       issuer,
		Users:        userService,
		Projects:     projectService,
		Models:       modelService,
		Tools:        toolService,
		Nodes:        nodeService,
		Memory:       memoryService,
		Files:        fileService,
		KV:           kv,
		Orchestrator: orchestrator,
		Executor:     exec,
		Gateway:      manager,
		BaseURL:      apiTS.URL,
		GatewayWSURL: "ws" + strings.TrimPrefix(gwTS.URL, "http") + "/ws/results/",
		t:            t,
	}

	// Register cleanup in reverse-creation order. The schema drop and
	// the miniredis shutdown were registered first, so they run last.
	t.Cleanup(func() {
		cancelConsumers()
		if exec != nil {
			exec.Stop()
		}
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Log("consumers did not stop within 10s")
		}
		gwTS.Close()
		apiTS.Close()
		_ = rpcClients.Close()
		rpcServer.GracefulStop()
		_ = busClient.Close()
	})

	if exec != nil {
		app.WaitForCancelListeners(1)
	}
	return app
}

// WaitForCancelListeners blocks until at least n subscribers hold the
// job-control fanout channel. Broadcasts have no replay, so a cancel
// issued before the executor's listener is on the channel would
// evaporate.
func (app *TestApp) WaitForCancelListeners(n int) {
	app.t.Helper()
	channel := "loom:fanout:" + models.ExchangeJobControl
	require.Eventually(app.t, func() bool {
		counts, err := app.Bus.Redis().PubSubNumSub(context.Background(), channel).Result()
		return err == nil && counts[channel] >= int64(n)
	}, 5*time.Second, 10*time.Millisecond)
}

// bindQueues creates every durable consumer group before any test can
// publish. The gateway's feed is exclusive, so its group name carries
// this instance's consumer name.
func bindQueues(t *testing.T, bc *bus.Client, cfg *config.Config) {
	t.Helper()

	queues := map[string][]string{
		models.ExchangeUserEvents: {
			saga.UserFinalizerQueue,
			projects.UserCleanupQueue,
			aimodels.UserCleanupQueue,
			tools.UserCleanupQueue,
			memory.UserCleanupQueue,
			files.UserCleanupQueue,
		},
		models.ExchangeProjectEvents: {
			saga.ProjectFinalizerQueue,
			nodes.ProjectCleanupQueue,
			memory.ProjectCleanupQueue,
			files.ProjectCleanupQueue,
		},
		models.ExchangeResourceEvents: {nodes.DependencyQueue},
		models.ExchangeMemory:         {memory.ContextUpdateQueue},
		models.ExchangeInference:      {cfg.Executor.Queue},
		models.ExchangeResults:        {"gateway_results_queue-" + bc.ConsumerName()},
	}

	ctx := context.Background()
	for exchange, names := range queues {
		for _, q := range names {
			err := bc.Redis().XGroupCreateMkStream(ctx, "loom:events:"+exchange, q, "$").Err()
			if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
				t.Fatalf("bind queue %s to %s: %v", q, exchange, err)
			}
		}
	}
}

// defaultTestConfig returns the built-in defaults tightened for tests:
// short bus polling, a single publish attempt, and a fast shutdown.
func defaultTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := &config.Config{
		Server:     config.DefaultServerConfig(),
		Auth:       config.DefaultAuthConfig(),
		Bus:        config.DefaultBusConfig(),
		RPC:        config.DefaultRPCConfig(),
		Inference:  config.DefaultInferenceConfig(),
		Executor:   config.DefaultExecutorConfig(),
		Gateway:    config.DefaultGatewayConfig(),
		Storage:    config.DefaultStorageConfig(),
		Sagas:      config.DefaultSagasConfig(),
		Tools:      config.DefaultToolsConfig(),
		Encryption: config.DefaultEncryptionConfig(),
		Retention:  config.DefaultRetentionConfig(),
	}
	cfg.Bus.Block = 20 * time.Millisecond
	cfg.Bus.PublishAttempts = 1
	cfg.Executor.Prefetch = 2
	cfg.Executor.GracefulShutdownTimeout = 2 * time.Second
	cfg.Storage.RootDir = t.TempDir()
	return cfg
}
