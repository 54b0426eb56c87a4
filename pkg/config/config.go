package config

import (
	"encoding/base64"
	"fmt"
	"os"
)

// Config is the umbrella configuration object returned by Initialize()
// and handed to every process at startup.
type Config struct {
	configDir string // Configuration directory path (for reference)

	Server     *ServerConfig
	Auth       *AuthConfig
	Bus        *BusConfig
	RPC        *RPCConfig
	Inference  *InferenceConfig
	Executor   *ExecutorConfig
	Gateway    *GatewayConfig
	Storage    *StorageConfig
	Sagas      *SagasConfig
	Tools      *ToolsConfig
	Encryption *EncryptionConfig
	Retention  *RetentionConfig
}

// Initialize is defined in loader.go

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// SigningKey resolves the token signing key from the configured env var.
func (c *Config) SigningKey() ([]byte, error) {
	key := os.Getenv(c.Auth.SigningKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: env var %s is empty", ErrInvalidValue, c.Auth.SigningKeyEnv)
	}
	return []byte(key), nil
}

// EncryptionKey resolves and decodes the 32-byte AES key from the
// configured env var.
func (c *Config) EncryptionKey() ([]byte, error) {
	raw := os.Getenv(c.Encryption.KeyEnv)
	if raw == "" {
		return nil, fmt.Errorf("%w: env var %s is empty", ErrInvalidValue, c.Encryption.KeyEnv)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: env var %s is not valid base64: %v", ErrInvalidValue, c.Encryption.KeyEnv, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: env var %s must decode to 32 bytes, got %d", ErrInvalidValue, c.Encryption.KeyEnv, len(key))
	}
	return key, nil
}

// BusURL resolves the bus connection URL: YAML value, then REDIS_URL,
// then the local default.
func (c *Config) BusURL() string {
	if c.Bus.URL != "" {
		return c.Bus.URL
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		return url
	}
	return "redis://localhost:6379/0"
}
