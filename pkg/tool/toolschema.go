// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package tool

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects a Go struct into the JSON-schema parameter
// object an llm.ToolSchema carries, grounded on the teacher's
// functiontool.generateSchema: a type's `json` tags name each
// parameter and `jsonschema:"required,description=...,enum=a|b"` tags
// carry the rest. Handlers declare one argument struct per tool call
// instead of hand-building map[string]any literals.
func GenerateSchema[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tool: marshaling generated schema: %v", err))
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		panic(fmt.Sprintf("tool: decoding generated schema: %v", err))
	}
	delete(result, "$schema")
	delete(result, "$id")

	if result["type"] != "object" {
		return result
	}
	properties, _ := result["properties"].(map[string]any)
	if properties == nil {
		properties = map[string]any{}
	}
	out := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if required, ok := result["required"]; ok {
		out["required"] = required
	}
	if additional, ok := result["additionalProperties"]; ok {
		out["additionalProperties"] = additional
	}
	return out
}
