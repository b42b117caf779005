// Copyright 2025 The Nestor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package schema provides JSON Schema generation and validation for tool
// parameters and structured output.
//
// Generation reflects a Go type into a schema map using struct tags
// (json + jsonschema). Validation checks a decoded JSON value against a
// schema subset: type, properties, required, items, enum, numeric bounds,
// string length, and additionalProperties.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Generate creates a JSON schema map from a Go type using struct tags.
//
// Supported tags:
//   - json:"name"                          parameter name
//   - json:",omitempty"                    optional parameter
//   - jsonschema:"required"                explicitly required
//   - jsonschema:"description=..."         parameter description
//   - jsonschema:"default=..."             default value
//   - jsonschema:"enum=a|b"                allowed values
//   - jsonschema:"minimum=N,maximum=M"     numeric constraints
func Generate[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	s := reflector.Reflect(new(T))

	schemaMap, err := toMap(s)
	if err != nil {
		return nil, fmt.Errorf("failed to convert schema to map: %w", err)
	}

	// Function declarations expect a bare object schema.
	if schemaMap["type"] == "object" {
		result := map[string]any{
			"type":       "object",
			"properties": schemaMap["properties"],
		}
		if required, ok := schemaMap["required"]; ok {
			result["required"] = required
		}
		if addProps, ok := schemaMap["additionalProperties"]; ok {
			result["additionalProperties"] = addProps
		}
		return result, nil
	}

	return schemaMap, nil
}

func toMap(s *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	delete(result, "$schema")
	delete(result, "$id")
	return result, nil
}

// Validate checks value against schema and returns the first violation found.
// A nil or empty schema accepts anything.
func Validate(value any, schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	return validate(value, schema, "$")
}

func validate(value any, schema map[string]any, path string) error {
	if enum, ok := schema["enum"].([]any); ok {
		if err := validateEnum(value, enum, path); err != nil {
			return err
		}
	}

	typ, _ := schema["type"].(string)
	if typ == "" {
		return nil
	}

	switch typ {
	case "object":
		return validateObject(value, schema, path)
	case "array":
		return validateArray(value, schema, path)
	case "string":
		return validateString(value, schema, path)
	case "number":
		if _, ok := toFloat(value); !ok {
			return fmt.Errorf("%s: expected number, got %T", path, value)
		}
		return validateBounds(value, schema, path)
	case "integer":
		f, ok := toFloat(value)
		if !ok || f != float64(int64(f)) {
			return fmt.Errorf("%s: expected integer, got %v", path, value)
		}
		return validateBounds(value, schema, path)
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %T", path, value)
		}
	case "null":
		if value != nil {
			return fmt.Errorf("%s: expected null, got %T", path, value)
		}
	}
	return nil
}

func validateObject(value any, schema map[string]any, path string) error {
	obj, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("%s: expected object, got %T", path, value)
	}

	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			key, _ := r.(string)
			if _, present := obj[key]; !present {
				return fmt.Errorf("%s: missing required property '%s'", path, key)
			}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for key, val := range obj {
		propSchema, known := properties[key]
		if !known {
			if addProps, ok := schema["additionalProperties"].(bool); ok && !addProps {
				return fmt.Errorf("%s: unexpected property '%s'", path, key)
			}
			continue
		}
		propMap, ok := propSchema.(map[string]any)
		if !ok {
			continue
		}
		if err := validate(val, propMap, path+"."+key); err != nil {
			return err
		}
	}
	return nil
}

func validateArray(value any, schema map[string]any, path string) error {
	arr, ok := value.([]any)
	if !ok {
		return fmt.Errorf("%s: expected array, got %T", path, value)
	}
	items, ok := schema["items"].(map[string]any)
	if !ok {
		return nil
	}
	for i, item := range arr {
		if err := validate(item, items, fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

func validateString(value any, schema map[string]any, path string) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("%s: expected string, got %T", path, value)
	}
	if min, ok := toFloat(schema["minLength"]); ok && float64(len(s)) < min {
		return fmt.Errorf("%s: string shorter than minLength %v", path, min)
	}
	if max, ok := toFloat(schema["maxLength"]); ok && float64(len(s)) > max {
		return fmt.Errorf("%s: string longer than maxLength %v", path, max)
	}
	return nil
}

func validateBounds(value any, schema map[string]any, path string) error {
	f, _ := toFloat(value)
	if min, ok := toFloat(schema["minimum"]); ok && f < min {
		return fmt.Errorf("%s: value %v below minimum %v", path, f, min)
	}
	if max, ok := toFloat(schema["maximum"]); ok && f > max {
		return fmt.Errorf("%s: value %v above maximum %v", path, f, max)
	}
	return nil
}

func validateEnum(value any, enum []any, path string) error {
	for _, allowed := range enum {
		if fmt.Sprintf("%v", value) == fmt.Sprintf("%v", allowed) {
			return nil
		}
	}
	return fmt.Errorf("%s: value %v not in enum", path, value)
}

// toFloat normalizes JSON numbers (float64, int, json.Number) to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
