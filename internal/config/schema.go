package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// fileSchema constrains stackup.yaml to known fields so a typo fails loud
// instead of silently falling back to a default.
const fileSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "mode":            {"type": "string", "enum": ["standalone", "external-db"]},
    "engine":          {"type": "string", "enum": ["postgres", "mysql"]},
    "appVersion":      {"type": "string"},
    "bindHost":        {"type": "string"},
    "bindPort":        {"type": "integer", "minimum": 1, "maximum": 65535},
    "adminEmail":      {"type": "string"},
    "dbUser":          {"type": "string"},
    "dbName":          {"type": "string"},
    "dbHost":          {"type": "string"},
    "dbPort":          {"type": "integer", "minimum": 1, "maximum": 65535},
    "appUnit":         {"type": "string"},
    "dbUnit":          {"type": "string"},
    "cacheUnit":       {"type": "string"},
    "cacheConfigPath": {"type": "string"},
    "stateDir":        {"type": "string"}
  }
}`

// validateSchema checks decoded YAML against the file schema. The data is
// round-tripped through JSON because the validator speaks JSON types.
func validateSchema(data interface{}) error {
	jsonData, err := json.Marshal(normalizeYAML(data))
	if err != nil {
		return fmt.Errorf("preparing data for validation: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(fileSchema),
		gojsonschema.NewBytesLoader(jsonData),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var messages []string
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}
		return fmt.Errorf("schema validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return nil
}

// normalizeYAML converts map[interface{}]interface{} trees (as yaml.v3
// can produce for nested maps) into map[string]interface{} for JSON
// marshaling.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
