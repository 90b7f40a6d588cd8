// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tool merges a conversation's tool schemas from its three
// sources (client-advertised, system, user-bound agent tools), sanitizes
// and deduplicates their names, and validates LLM-issued tool calls
// against the merged schemas before dispatch.
package tool

import (
	"fmt"
	"regexp"

	"github.com/nouscore/orchestrator/pkg/llm"
)

// Source identifies where a tool schema originated, for error reporting
// and for system-tool name-prefix recognition.
type Source string

const (
	SourceClient Source = "client"
	SourceSystem Source = "system"
	SourceUser   Source = "user"
)

// systemPrefixes names the tool-name prefixes reserved for the fixed set
// of server tool handlers (C5): todotool, webtool, doctool, memtool.
var systemPrefixes = []string{"todo_", "web_", "document_", "conversation_"}

// IsSystemToolName reports whether name matches one of the reserved
// system-tool prefixes.
func IsSystemToolName(name string) bool {
	for _, prefix := range systemPrefixes {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeName strips any character outside [A-Za-z0-9_-] before a
// schema is emitted to a backend.
func SanitizeName(name string) string {
	return invalidNameChars.ReplaceAllString(name, "")
}

// MergeError reports one schema rejected during Merge, typically a
// duplicate name collision across sources.
type MergeError struct {
	Name   string
	Source Source
	Reason string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("tool: rejected %q from %s: %s", e.Name, e.Source, e.Reason)
}

// taggedSchema pairs a schema with the source it came from, used only
// during Merge to report which source a duplicate arrived from.
type taggedSchema struct {
	schema llm.ToolSchema
	source Source
}

// Merge combines client, system, and user tool schemas into one set,
// sanitizing names and rejecting duplicates. Sources are consulted in
// the order client, system, user; the first occurrence of a name wins
// and every later occurrence is reported as a MergeError, not executed.
func Merge(client, system, user []llm.ToolSchema) ([]llm.ToolSchema, []error) {
	var ordered []taggedSchema
	for _, s := range client {
		ordered = append(ordered, taggedSchema{s, SourceClient})
	}
	for _, s := range system {
		ordered = append(ordered, taggedSchema{s, SourceSystem})
	}
	for _, s := range user {
		ordered = append(ordered, taggedSchema{s, SourceUser})
	}

	seen := make(map[string]Source, len(ordered))
	merged := make([]llm.ToolSchema, 0, len(ordered))
	var errs []error

	for _, ts := range ordered {
		name := SanitizeName(ts.schema.Name)
		if name == "" {
			errs = append(errs, &MergeError{Name: ts.schema.Name, Source: ts.source, Reason: "empty after sanitization"})
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, &MergeError{Name: ts.schema.Name, Source: ts.source, Reason: "duplicate name"})
			continue
		}
		seen[name] = ts.source
		ts.schema.Name = name
		merged = append(merged, ts.schema)
	}

	return merged, errs
}

// Registry holds one conversation's merged tool set along with a
// compiled validator per schema, ready to validate incoming tool calls
// before dispatch.
type Registry struct {
	tools      []llm.ToolSchema
	validators map[string]*Validator
}

// NewRegistry merges the three tool sources and compiles a JSON-schema
// validator for every surviving tool. Compile failures are reported
// alongside merge errors rather than panicking; a tool whose schema
// fails to compile is dropped from the registry (its calls can never be
// dispatched, same as if it never existed).
func NewRegistry(client, system, user []llm.ToolSchema) (*Registry, []error) {
	merged, errs := Merge(client, system, user)

	r := &Registry{
		validators: make(map[string]*Validator, len(merged)),
	}

	for _, ts := range merged {
		v, err := NewValidator(ts.Parameters)
		if err != nil {
			errs = append(errs, fmt.Errorf("tool: schema for %q did not compile: %w", ts.Name, err))
			continue
		}
		r.tools = append(r.tools, ts)
		r.validators[ts.Name] = v
	}

	return r, errs
}

// Tools returns the merged, validated tool schema set to offer the LLM.
func (r *Registry) Tools() []llm.ToolSchema {
	return r.tools
}

// Lookup returns the schema registered under name, if any.
func (r *Registry) Lookup(name string) (llm.ToolSchema, bool) {
	for _, t := range r.tools {
		if t.Name == name {
			return t, true
		}
	}
	return llm.ToolSchema{}, false
}

// ValidateCall validates a decoded tool call's arguments against its
// registered schema. It returns ok=false with a human-readable warning
// whenever the call should be filtered out before dispatch: unknown
// tool name, or argument types/required fields/enum values that don't
// match the schema. Unknown argument keys are tolerated, not rejected.
func (r *Registry) ValidateCall(call llm.ToolCall) (ok bool, warning string) {
	v, known := r.validators[call.Name]
	if !known {
		return false, fmt.Sprintf("tool %q is not registered for this conversation", call.Name)
	}
	if err := v.Validate(call.Args); err != nil {
		return false, fmt.Sprintf("tool %q argument validation failed: %v", call.Name, err)
	}
	return true, ""
}
