package config

import (
	"fmt"
)

// knownSagaServices are the service names allowed in saga step lists.
var knownSagaServices = map[string]bool{
	"NodeService":    true,
	"MemoryService":  true,
	"DataService":    true,
	"ProjectService": true,
	"AIModelService": true,
	"ToolService":    true,
}

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	if err := v.validateAuth(); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}

	if err := v.validateBus(); err != nil {
		return fmt.Errorf("bus validation failed: %w", err)
	}

	if err := v.validateRPC(); err != nil {
		return fmt.Errorf("rpc validation failed: %w", err)
	}

	if err := v.validateInference(); err != nil {
		return fmt.Errorf("inference validation failed: %w", err)
	}

	if err := v.validateExecutor(); err != nil {
		return fmt.Errorf("executor validation failed: %w", err)
	}

	if err := v.validateSagas(); err != nil {
		return fmt.Errorf("saga validation failed: %w", err)
	}

	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateServer() error {
	if v.cfg.Server.Port < 1 || v.cfg.Server.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("must be in 1..65535, got %d", v.cfg.Server.Port))
	}
	return nil
}

func (v *ConfigValidator) validateAuth() error {
	if v.cfg.Auth.Issuer == "" {
		return NewValidationError("auth", "issuer", fmt.Errorf("must not be empty"))
	}
	if v.cfg.Auth.SigningKeyEnv == "" {
		return NewValidationError("auth", "signing_key_env", fmt.Errorf("must not be empty"))
	}
	if v.cfg.Auth.AccessTTL <= 0 {
		return NewValidationError("auth", "access_ttl", fmt.Errorf("must be positive"))
	}
	if v.cfg.Auth.RefreshTTL < v.cfg.Auth.AccessTTL {
		return NewValidationError("auth", "refresh_ttl", fmt.Errorf("must be at least access_ttl"))
	}
	return nil
}

func (v *ConfigValidator) validateBus() error {
	if v.cfg.Bus.MaxDeliveries < 1 {
		return NewValidationError("bus", "max_deliveries", fmt.Errorf("must be at least 1"))
	}
	if v.cfg.Bus.PublishAttempts < 1 {
		return NewValidationError("bus", "publish_attempts", fmt.Errorf("must be at least 1"))
	}
	if v.cfg.Bus.Block <= 0 {
		return NewValidationError("bus", "block", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateRPC() error {
	if v.cfg.RPC.Timeout <= 0 {
		return NewValidationError("rpc", "timeout", fmt.Errorf("must be positive"))
	}
	endpoints := map[string]string{
		"nodes":    v.cfg.RPC.Endpoints.Nodes,
		"aimodels": v.cfg.RPC.Endpoints.AIModels,
		"tools":    v.cfg.RPC.Endpoints.Tools,
		"memory":   v.cfg.RPC.Endpoints.Memory,
		"files":    v.cfg.RPC.Endpoints.Files,
	}
	for name, addr := range endpoints {
		if addr == "" {
			return NewValidationError("rpc", "endpoints."+name, fmt.Errorf("must not be empty"))
		}
	}
	return nil
}

func (v *ConfigValidator) validateInference() error {
	if v.cfg.Inference.RequestTimeout <= 0 {
		return NewValidationError("inference", "request_timeout", fmt.Errorf("must be positive"))
	}
	if v.cfg.Inference.TicketTTL <= 0 {
		return NewValidationError("inference", "ticket_ttl", fmt.Errorf("must be positive"))
	}
	if v.cfg.Inference.OwnershipTTL <= 0 {
		return NewValidationError("inference", "ownership_ttl", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateExecutor() error {
	if v.cfg.Executor.Prefetch < 1 {
		return NewValidationError("executor", "prefetch", fmt.Errorf("must be at least 1"))
	}
	if v.cfg.Executor.MaxIterations < 1 {
		return NewValidationError("executor", "max_iterations", fmt.Errorf("must be at least 1"))
	}
	if v.cfg.Executor.Queue == "" {
		return NewValidationError("executor", "queue", fmt.Errorf("must not be empty"))
	}
	return nil
}

func (v *ConfigValidator) validateRetention() error {
	if !v.cfg.Retention.Enabled {
		return nil
	}
	if v.cfg.Retention.Interval <= 0 {
		return NewValidationError("retention", "interval", fmt.Errorf("must be positive"))
	}
	if v.cfg.Retention.SagaAge <= 0 {
		return NewValidationError("retention", "saga_age", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateSagas() error {
	lists := map[string][]string{
		"project_deletion": v.cfg.Sagas.ProjectDeletion.Steps,
		"user_deletion":    v.cfg.Sagas.UserDeletion.Steps,
	}
	for sagaType, steps := range lists {
		if len(steps) == 0 {
			return NewValidationError("sagas", sagaType+".steps", fmt.Errorf("at least one step required"))
		}
		seen := make(map[string]bool, len(steps))
		for _, step := range steps {
			if !knownSagaServices[step] {
				return NewValidationError("sagas", sagaType+".steps", fmt.Errorf("unknown service '%s'", step))
			}
			if seen[step] {
				return NewValidationError("sagas", sagaType+".steps", fmt.Errorf("duplicate service '%s'", step))
			}
			seen[step] = true
		}
	}
	return nil
}
