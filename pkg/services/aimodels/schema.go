package aimodels

import (
	"fmt"

	"github.com/loomery/loom/pkg/errkind"
)

// validateConfiguration checks a user model's configuration against its
// provider blueprint. Blueprints hold a schema of sections
// (credentials, parameters, ...) whose properties declare a type and
// optional required list; a user configuration fills the same shape
// with default values.
func validateConfiguration(userCfg, blueprint map[string]any) error {
	for section, raw := range userCfg {
		bpSection, ok := blueprint[section].(map[string]any)
		if !ok {
			return errkind.NewValidationError("configuration."+section, "section not defined by the provider blueprint")
		}

		userSection, ok := raw.(map[string]any)
		if !ok {
			return errkind.NewValidationError("configuration."+section, "must be an object")
		}

		bpProps, _ := bpSection["properties"].(map[string]any)
		userProps, _ := userSection["properties"].(map[string]any)
		for name, up := range userProps {
			bp, ok := bpProps[name].(map[string]any)
			if !ok {
				return errkind.NewValidationError(
					fmt.Sprintf("configuration.%s.properties.%s", section, name),
					"property not defined by the provider blueprint")
			}
			userProp, ok := up.(map[string]any)
			if !ok {
				return errkind.NewValidationError(
					fmt.Sprintf("configuration.%s.properties.%s", section, name),
					"must be an object")
			}
			if def, present := userProp["default"]; present {
				if want, _ := bp["type"].(string); want != "" && !jsonTypeMatches(def, want) {
					return errkind.NewValidationError(
						fmt.Sprintf("configuration.%s.properties.%s.default", section, name),
						fmt.Sprintf("must be of type %s", want))
				}
			}
		}

		for _, name := range requiredNames(bpSection) {
			userProp, ok := userProps[name].(map[string]any)
			if !ok {
				return errkind.NewValidationError(
					fmt.Sprintf("configuration.%s.properties.%s", section, name),
					"required by the provider blueprint")
			}
			if _, present := userProp["default"]; !present {
				return errkind.NewValidationError(
					fmt.Sprintf("configuration.%s.properties.%s.default", section, name),
					"required by the provider blueprint")
			}
		}
	}
	return nil
}

func requiredNames(section map[string]any) []string {
	raw, ok := section["required"].([]any)
	if !ok {
		return nil
	}
	var names []string
	for _, r := range raw {
		if s, ok := r.(string); ok {
			names = append(names, s)
		}
	}
	return names
}

// jsonTypeMatches checks a decoded JSON value against a schema type
// name. JSON numbers decode as float64; "integer" additionally requires
// a whole value.
func jsonTypeMatches(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}
