package config

import "time"

// ServerConfig holds HTTP listener settings for the API process.
type ServerConfig struct {
	// Port the API server binds to.
	Port int `yaml:"port"`

	// ReadHeaderTimeout guards against slow-header clients.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// ShutdownTimeout is the max time to drain in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultServerConfig returns the built-in HTTP defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:              8080,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}

// AuthConfig holds token issuing and verification settings.
type AuthConfig struct {
	// Issuer embedded in and required from every token.
	Issuer string `yaml:"issuer"`

	// SigningKeyEnv is the env var name holding the HS256 signing key.
	SigningKeyEnv string `yaml:"signing_key_env"`

	// AccessTTL / RefreshTTL bound token lifetimes.
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

// DefaultAuthConfig returns the built-in auth defaults.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Issuer:        "loom",
		SigningKeyEnv: "LOOM_SIGNING_KEY",
		AccessTTL:     60 * time.Minute,
		RefreshTTL:    24 * time.Hour,
	}
}

// BusConfig holds event bus connection and delivery settings.
type BusConfig struct {
	// URL of the Redis instance backing the bus. Falls back to the
	// REDIS_URL env var when empty.
	URL string `yaml:"url"`

	// StreamMaxLen caps each exchange stream (approximate trim).
	StreamMaxLen int64 `yaml:"stream_max_len"`

	// Block is how long a consumer read waits before re-polling.
	Block time.Duration `yaml:"block"`

	// ClaimMinIdle is the age after which another consumer may claim a
	// pending delivery from a crashed peer.
	ClaimMinIdle time.Duration `yaml:"claim_min_idle"`

	// MaxDeliveries before a message is parked on the dead-letter queue.
	MaxDeliveries int64 `yaml:"max_deliveries"`

	// PublishAttempts and PublishDelay drive publish retry backoff.
	PublishAttempts uint          `yaml:"publish_attempts"`
	PublishDelay    time.Duration `yaml:"publish_delay"`
}

// DefaultBusConfig returns the built-in bus defaults.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		StreamMaxLen:    100000,
		Block:           5 * time.Second,
		ClaimMinIdle:    30 * time.Second,
		MaxDeliveries:   3,
		PublishAttempts: 4,
		PublishDelay:    2 * time.Second,
	}
}

// RPCEndpoints maps each internal service to its gRPC address.
type RPCEndpoints struct {
	Nodes    string `yaml:"nodes"`
	AIModels string `yaml:"aimodels"`
	Tools    string `yaml:"tools"`
	Memory   string `yaml:"memory"`
	Files    string `yaml:"files"`
}

// BreakerConfig tunes the per-target circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval resets closed-state counters; Timeout is how long the
	// breaker stays open before probing again.
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`

	// ConsecutiveFailures before the breaker trips.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
}

// DefaultBreakerConfig returns the built-in breaker defaults.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// RPCConfig holds inter-service call settings.
type RPCConfig struct {
	// Listen is the address the process's own RPC server binds to.
	Listen string `yaml:"listen"`

	// Timeout applied to every outbound unary call.
	Timeout time.Duration `yaml:"timeout"`

	Endpoints RPCEndpoints   `yaml:"endpoints"`
	Breaker   *BreakerConfig `yaml:"breaker"`
}

// DefaultRPCConfig returns the built-in RPC defaults. All endpoints
// point at the single-binary deployment address.
func DefaultRPCConfig() *RPCConfig {
	return &RPCConfig{
		Listen:  ":50051",
		Timeout: 10 * time.Second,
		Endpoints: RPCEndpoints{
			Nodes:    "localhost:50051",
			AIModels: "localhost:50051",
			Tools:    "localhost:50051",
			Memory:   "localhost:50051",
			Files:    "localhost:50051",
		},
		Breaker: &BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
		},
	}
}

// InferenceConfig holds orchestrator settings.
type InferenceConfig struct {
	// RequestTimeout bounds the metadata and resource fan-out stages.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// TicketTTL is the WebSocket ticket lifetime.
	TicketTTL time.Duration `yaml:"ticket_ttl"`

	// OwnershipTTL is the job ownership record lifetime.
	OwnershipTTL time.Duration `yaml:"ownership_ttl"`
}

// DefaultInferenceConfig returns the built-in orchestrator defaults.
func DefaultInferenceConfig() *InferenceConfig {
	return &InferenceConfig{
		RequestTimeout: 30 * time.Second,
		TicketTTL:      60 * time.Second,
		OwnershipTTL:   24 * time.Hour,
	}
}

// ExecutorConfig holds inference executor settings.
type ExecutorConfig struct {
	// Prefetch is the number of jobs one executor runs concurrently.
	Prefetch int `yaml:"prefetch"`

	// MaxIterations caps the agent loop before a forced conclusion.
	MaxIterations int `yaml:"max_iterations"`

	// Queue is the durable consumer group name for the job queue.
	Queue string `yaml:"queue"`

	// GracefulShutdownTimeout is the max time to wait for running jobs
	// during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultExecutorConfig returns the built-in executor defaults.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		Prefetch:                4,
		MaxIterations:           10,
		Queue:                   "inference_jobs_queue",
		GracefulShutdownTimeout: 60 * time.Second,
	}
}

// GatewayConfig holds result delivery settings.
type GatewayConfig struct {
	// Port the gateway binds to.
	Port int `yaml:"port"`

	// WriteTimeout bounds each WebSocket send.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// AllowedOrigins lists host patterns accepted for browser WebSocket
	// upgrades. Requests without an Origin header (CLI clients, tests)
	// always pass; empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultGatewayConfig returns the built-in gateway defaults.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Port:         8081,
		WriteTimeout: 10 * time.Second,
	}
}

// StorageConfig holds object storage settings for uploaded files.
type StorageConfig struct {
	// RootDir is the filesystem root for stored objects.
	RootDir string `yaml:"root_dir"`

	// PublicBaseURL prefixes image URLs handed to models.
	PublicBaseURL string `yaml:"public_base_url"`

	// MaxUploadBytes caps a single upload.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// DefaultStorageConfig returns the built-in storage defaults.
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		RootDir:        "./data/objects",
		PublicBaseURL:  "http://localhost:8080/files",
		MaxUploadBytes: 25 << 20,
	}
}

// SagaSteps lists the participating services of one saga type.
type SagaSteps struct {
	Steps []string `yaml:"steps"`
}

// SagasConfig declares which services must confirm each deletion saga.
type SagasConfig struct {
	ProjectDeletion SagaSteps `yaml:"project_deletion"`
	UserDeletion    SagaSteps `yaml:"user_deletion"`
}

// DefaultSagasConfig returns the built-in saga participant lists.
func DefaultSagasConfig() *SagasConfig {
	return &SagasConfig{
		ProjectDeletion: SagaSteps{Steps: []string{"NodeService", "MemoryService", "DataService"}},
		UserDeletion:    SagaSteps{Steps: []string{"ProjectService", "AIModelService", "ToolService", "MemoryService", "DataService"}},
	}
}

// ToolsConfig holds tool execution settings.
type ToolsConfig struct {
	// WebhookTimeout bounds one webhook tool call.
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`

	// BraveAPIKeyEnv names the env var holding the web_search key.
	BraveAPIKeyEnv string `yaml:"brave_api_key_env"`
}

// DefaultToolsConfig returns the built-in tool defaults.
func DefaultToolsConfig() *ToolsConfig {
	return &ToolsConfig{
		WebhookTimeout: 10 * time.Second,
		BraveAPIKeyEnv: "BRAVE_API_KEY",
	}
}

// EncryptionConfig holds at-rest credential encryption settings.
type EncryptionConfig struct {
	// KeyEnv names the env var holding the base64-encoded 32-byte AES key.
	KeyEnv string `yaml:"key_env"`
}

// DefaultEncryptionConfig returns the built-in encryption defaults.
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{KeyEnv: "LOOM_ENCRYPTION_KEY"}
}

// RetentionConfig tunes the background sweep of finished saga records.
type RetentionConfig struct {
	// Enabled toggles the sweeper in the worker process. Off unless the
	// YAML turns it on: a false here cannot override a true default
	// through the section merge.
	Enabled bool `yaml:"enabled"`

	// Interval between sweeps.
	Interval time.Duration `yaml:"interval"`

	// SagaAge is how long COMPLETED and FAILED sagas are kept before
	// their rows (and steps) are pruned. IN_PROGRESS sagas are never
	// touched.
	SagaAge time.Duration `yaml:"saga_age"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		Enabled:  false,
		Interval: 6 * time.Hour,
		SagaAge:  30 * 24 * time.Hour,
	}
}
