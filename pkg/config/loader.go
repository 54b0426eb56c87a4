package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// LoomYAMLConfig represents the complete loom.yaml file structure
type LoomYAMLConfig struct {
	Server     *ServerConfig     `yaml:"server"`
	Auth       *AuthConfig       `yaml:"auth"`
	Bus        *BusConfig        `yaml:"bus"`
	RPC        *RPCConfig        `yaml:"rpc"`
	Inference  *InferenceConfig  `yaml:"inference"`
	Executor   *ExecutorConfig   `yaml:"executor"`
	Gateway    *GatewayConfig    `yaml:"gateway"`
	Storage    *StorageConfig    `yaml:"storage"`
	Sagas      *SagasConfig      `yaml:"sagas"`
	Tools      *ToolsConfig      `yaml:"tools"`
	Encryption *EncryptionConfig `yaml:"encryption"`
	Retention  *RetentionConfig  `yaml:"retention"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load loom.yaml from configDir
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Merge user values over built-in defaults
//  4. Validate the result
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"issuer", cfg.Auth.Issuer,
		"executor_queue", cfg.Executor.Queue,
		"project_saga_steps", len(cfg.Sagas.ProjectDeletion.Steps),
		"user_saga_steps", len(cfg.Sagas.UserDeletion.Steps))

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	var yamlConfig LoomYAMLConfig
	if err := loader.loadYAML("loom.yaml", &yamlConfig); err != nil {
		return nil, NewLoadError("loom.yaml", err)
	}

	cfg := &Config{
		configDir:  configDir,
		Server:     DefaultServerConfig(),
		Auth:       DefaultAuthConfig(),
		Bus:        DefaultBusConfig(),
		RPC:        DefaultRPCConfig(),
		Inference:  DefaultInferenceConfig(),
		Executor:   DefaultExecutorConfig(),
		Gateway:    DefaultGatewayConfig(),
		Storage:    DefaultStorageConfig(),
		Sagas:      DefaultSagasConfig(),
		Tools:      DefaultToolsConfig(),
		Encryption: DefaultEncryptionConfig(),
		Retention:  DefaultRetentionConfig(),
	}

	// Merge user-provided sections into the defaults (non-zero values
	// override, unset values keep the built-in defaults).
	if err := mergeSection(cfg.Server, yamlConfig.Server, "server"); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Auth, yamlConfig.Auth, "auth"); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Bus, yamlConfig.Bus, "bus"); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.RPC, yamlConfig.RPC, "rpc"); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Inference, yamlConfig.Inference, "inference"); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Executor, yamlConfig.Executor, "executor"); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Gateway, yamlConfig.Gateway, "gateway"); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Storage, yamlConfig.Storage, "storage"); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Sagas, yamlConfig.Sagas, "sagas"); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Tools, yamlConfig.Tools, "tools"); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Encryption, yamlConfig.Encryption, "encryption"); err != nil {
		return nil, err
	}
	if err := mergeSection(cfg.Retention, yamlConfig.Retention, "retention"); err != nil {
		return nil, err
	}

	return cfg, nil
}

// mergeSection merges user YAML values over the built-in defaults.
// A nil user section keeps the defaults untouched.
func mergeSection[T any](dst *T, src *T, name string) error {
	if src == nil {
		return nil
	}
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge %s config: %w", name, err)
	}
	return nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes through original data on parse/execution errors,
	// letting the YAML parser produce the clearer failure message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}
