// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nouscore/orchestrator/pkg/llm"
)

func schemaWithRequiredString(name, field string) llm.ToolSchema {
	return llm.ToolSchema{
		Name:        name,
		Description: "test tool",
		Parameters: map[string]any{
			"type":     "object",
			"required": []any{field},
			"properties": map[string]any{
				field: map[string]any{"type": "string"},
			},
		},
	}
}

func TestSanitizeName_StripsInvalidCharacters(t *testing.T) {
	assert.Equal(t, "web_search", SanitizeName("web_search"))
	assert.Equal(t, "websearch", SanitizeName("web search"))
	assert.Equal(t, "tool123", SanitizeName("tool!@#123"))
}

func TestIsSystemToolName(t *testing.T) {
	assert.True(t, IsSystemToolName("todo_create"))
	assert.True(t, IsSystemToolName("web_search"))
	assert.True(t, IsSystemToolName("document_fetch"))
	assert.True(t, IsSystemToolName("conversation_summarize"))
	assert.False(t, IsSystemToolName("my_custom_tool"))
}

func TestMerge_RejectsDuplicateNamesAcrossSources(t *testing.T) {
	client := []llm.ToolSchema{schemaWithRequiredString("search", "query")}
	system := []llm.ToolSchema{schemaWithRequiredString("search", "query")}

	merged, errs := Merge(client, system, nil)

	require.Len(t, merged, 1)
	assert.Equal(t, "search", merged[0].Name)
	require.Len(t, errs, 1)
	var mergeErr *MergeError
	require.ErrorAs(t, errs[0], &mergeErr)
	assert.Equal(t, SourceSystem, mergeErr.Source)
}

func TestMerge_SanitizesNameBeforeDedup(t *testing.T) {
	client := []llm.ToolSchema{schemaWithRequiredString("web search", "q")}
	merged, errs := Merge(client, nil, nil)

	require.Empty(t, errs)
	require.Len(t, merged, 1)
	assert.Equal(t, "websearch", merged[0].Name)
}

func TestMerge_RejectsNameThatSanitizesToEmpty(t *testing.T) {
	client := []llm.ToolSchema{schemaWithRequiredString("!!!", "q")}
	merged, errs := Merge(client, nil, nil)

	assert.Empty(t, merged)
	require.Len(t, errs, 1)
}

func TestNewRegistry_CompilesSchemasAndExposesTools(t *testing.T) {
	user := []llm.ToolSchema{schemaWithRequiredString("lookup", "id")}
	reg, errs := NewRegistry(nil, nil, user)

	require.Empty(t, errs)
	require.Len(t, reg.Tools(), 1)

	_, found := reg.Lookup("lookup")
	assert.True(t, found)
}

func TestRegistry_ValidateCall_UnknownToolIsFiltered(t *testing.T) {
	reg, errs := NewRegistry(nil, nil, nil)
	require.Empty(t, errs)

	ok, warning := reg.ValidateCall(llm.ToolCall{Name: "ghost", Args: map[string]any{}})
	assert.False(t, ok)
	assert.Contains(t, warning, "not registered")
}

func TestRegistry_ValidateCall_MissingRequiredFieldIsFiltered(t *testing.T) {
	user := []llm.ToolSchema{schemaWithRequiredString("lookup", "id")}
	reg, errs := NewRegistry(nil, nil, user)
	require.Empty(t, errs)

	ok, warning := reg.ValidateCall(llm.ToolCall{Name: "lookup", Args: map[string]any{}})
	assert.False(t, ok)
	assert.Contains(t, warning, "validation failed")
}

func TestRegistry_ValidateCall_ValidArgsPass(t *testing.T) {
	user := []llm.ToolSchema{schemaWithRequiredString("lookup", "id")}
	reg, errs := NewRegistry(nil, nil, user)
	require.Empty(t, errs)

	ok, warning := reg.ValidateCall(llm.ToolCall{Name: "lookup", Args: map[string]any{"id": "abc"}})
	assert.True(t, ok)
	assert.Empty(t, warning)
}

func TestRegistry_ValidateCall_TypeMismatchIsFiltered(t *testing.T) {
	user := []llm.ToolSchema{schemaWithRequiredString("lookup", "id")}
	reg, errs := NewRegistry(nil, nil, user)
	require.Empty(t, errs)

	ok, _ := reg.ValidateCall(llm.ToolCall{Name: "lookup", Args: map[string]any{"id": 42}})
	assert.False(t, ok)
}

func TestRegistry_ValidateCall_UnknownArgumentKeysTolerated(t *testing.T) {
	user := []llm.ToolSchema{schemaWithRequiredString("lookup", "id")}
	reg, errs := NewRegistry(nil, nil, user)
	require.Empty(t, errs)

	ok, _ := reg.ValidateCall(llm.ToolCall{Name: "lookup", Args: map[string]any{"id": "abc", "extra": "ignored"}})
	assert.True(t, ok)
}

func TestNewValidator_EmptySchemaAcceptsAnyArgs(t *testing.T) {
	v, err := NewValidator(nil)
	require.NoError(t, err)
	assert.NoError(t, v.Validate(map[string]any{"anything": true}))
}

func TestNewValidator_EnumConstraint(t *testing.T) {
	v, err := NewValidator(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"mode": map[string]any{"type": "string", "enum": []any{"fast", "slow"}},
		},
	})
	require.NoError(t, err)

	assert.NoError(t, v.Validate(map[string]any{"mode": "fast"}))
	assert.Error(t, v.Validate(map[string]any{"mode": "medium"}))
}
