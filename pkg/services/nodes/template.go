package nodes

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/models"
)

// newTemplate builds the configuration block a model with the given
// capabilities supports. model_config and parameters always exist;
// text adds memory_config and rag_config, tool_use adds tool_config.
func newTemplate(modelID uuid.UUID, capabilities []string) models.NodeConfiguration {
	cfg := models.NodeConfiguration{
		ModelConfig: &models.ModelConfig{ModelID: modelID},
		Parameters:  map[string]any{},
	}
	for _, c := range capabilities {
		switch c {
		case models.CapabilityText:
			cfg.MemoryConfig = &models.MemoryConfig{}
			cfg.RAGConfig = &models.RAGConfig{}
		case models.CapabilityToolUse:
			cfg.ToolConfig = &models.ToolConfig{ToolIDs: []uuid.UUID{}}
		}
	}
	return cfg
}

// mergeForward carries user values from prev into a freshly generated
// template, section by section, only where the section survived.
// model_config always comes from the template.
func mergeForward(tmpl, prev models.NodeConfiguration) models.NodeConfiguration {
	if len(prev.Parameters) > 0 {
		tmpl.Parameters = prev.Parameters
	}
	if tmpl.MemoryConfig != nil && prev.MemoryConfig != nil {
		tmpl.MemoryConfig = prev.MemoryConfig
	}
	if tmpl.RAGConfig != nil && prev.RAGConfig != nil {
		tmpl.RAGConfig = prev.RAGConfig
	}
	if tmpl.ToolConfig != nil && prev.ToolConfig != nil {
		tmpl.ToolConfig = prev.ToolConfig
	}
	return tmpl
}

// applyConfigUpdate folds a generic configuration update into the
// node's current configuration. Only keys present in the current
// template may change, and the pinned model id never does.
func applyConfigUpdate(current models.NodeConfiguration, update map[string]any) (models.NodeConfiguration, error) {
	out := current
	for key, raw := range update {
		switch key {
		case "model_config":
			var mc models.ModelConfig
			if err := decodeSection(raw, &mc); err != nil {
				return out, errkind.NewValidationError("configuration.model_config", err.Error())
			}
			if current.ModelConfig == nil || mc.ModelID != current.ModelConfig.ModelID {
				return out, errkind.NewValidationError("configuration.model_config.model_id",
					"the model is pinned; use configure-model to change it")
			}

		case "parameters":
			params, ok := raw.(map[string]any)
			if !ok {
				return out, errkind.NewValidationError("configuration.parameters", "must be an object")
			}
			out.Parameters = params

		case "memory_config":
			if current.MemoryConfig == nil {
				return out, sectionAbsent(key)
			}
			mc := &models.MemoryConfig{}
			if err := decodeSection(raw, mc); err != nil {
				return out, errkind.NewValidationError("configuration.memory_config", err.Error())
			}
			out.MemoryConfig = mc

		case "rag_config":
			if current.RAGConfig == nil {
				return out, sectionAbsent(key)
			}
			rc := &models.RAGConfig{}
			if err := decodeSection(raw, rc); err != nil {
				return out, errkind.NewValidationError("configuration.rag_config", err.Error())
			}
			out.RAGConfig = rc

		case "tool_config":
			if current.ToolConfig == nil {
				return out, sectionAbsent(key)
			}
			tc := &models.ToolConfig{}
			if err := decodeSection(raw, tc); err != nil {
				return out, errkind.NewValidationError("configuration.tool_config", err.Error())
			}
			if tc.ToolIDs == nil {
				tc.ToolIDs = []uuid.UUID{}
			}
			out.ToolConfig = tc

		default:
			return out, errkind.NewValidationError("configuration."+key, "not part of this node's template")
		}
	}
	return out, nil
}

func sectionAbsent(key string) error {
	return errkind.NewValidationError("configuration."+key,
		fmt.Sprintf("the node's model does not support %s", key))
}

// decodeSection round-trips a loosely typed JSON value into its typed
// section, rejecting unknown fields.
func decodeSection(raw any, dst any) error {
	buf, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
