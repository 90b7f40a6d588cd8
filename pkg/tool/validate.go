// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package tool

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator compiles one tool's JSON-Schema parameter definition once
// and validates decoded argument maps against it on every call.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles params (a JSON-Schema object, the same shape a
// tool advertises as its function parameters) into a reusable Validator.
// A nil or empty schema accepts any arguments.
func NewValidator(params map[string]any) (*Validator, error) {
	if len(params) == 0 {
		return &Validator{}, nil
	}

	// round-trip through JSON so the compiler sees plain
	// map[string]any/[]any/string/float64, not arbitrary Go types a
	// caller might have put in the schema map.
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("tool: marshal schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, fmt.Errorf("tool: unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	resourceURL := "tool-schema.json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("tool: add schema resource: %w", err)
	}
	compiled, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("tool: compile schema: %w", err)
	}

	return &Validator{schema: compiled}, nil
}

// Validate checks args against the compiled schema. Unknown keys not
// named in the schema's "properties" are tolerated (jsonschema/v6's
// default; additionalProperties must be set false explicitly by a tool
// to forbid them).
func (v *Validator) Validate(args map[string]any) error {
	if v.schema == nil {
		return nil
	}

	// jsonschema/v6 validates against decoded JSON values; round-trip
	// args the same way the schema itself was normalized above so
	// number types line up (float64, not int).
	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return fmt.Errorf("unmarshal arguments: %w", err)
	}

	return v.schema.Validate(doc)
}
