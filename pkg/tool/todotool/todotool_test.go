// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package todotool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nouscore/orchestrator/pkg/llm"
)

func TestHandler_WriteThenRead(t *testing.T) {
	h := NewHandler(New())
	ctx := context.Background()

	writeCall := llm.ToolCall{
		ID:   "call1",
		Name: "todo_write",
		Args: map[string]any{
			"agent_id": "agent-1",
			"merge":    false,
			"todos": []any{
				map[string]any{"id": "t1", "content": "write tests", "status": "pending"},
			},
		},
	}
	res := h.Execute(ctx, writeCall)
	require.True(t, res.Success, res.Error)

	readCall := llm.ToolCall{ID: "call2", Name: "todo_read", Args: map[string]any{"agent_id": "agent-1"}}
	res = h.Execute(ctx, readCall)
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Content, "write tests")
}

func TestHandler_Write_RejectsEmptyTodos(t *testing.T) {
	h := NewHandler(New())
	call := llm.ToolCall{ID: "call1", Name: "todo_write", Args: map[string]any{"agent_id": "agent-1", "merge": false, "todos": []any{}}}
	res := h.Execute(context.Background(), call)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "cannot be empty")
}

func TestHandler_Write_RejectsInvalidStatus(t *testing.T) {
	h := NewHandler(New())
	call := llm.ToolCall{
		ID:   "call1",
		Name: "todo_write",
		Args: map[string]any{
			"agent_id": "agent-1",
			"merge":    false,
			"todos":    []any{map[string]any{"id": "t1", "content": "x", "status": "bogus"}},
		},
	}
	res := h.Execute(context.Background(), call)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "invalid status")
}

func TestManager_Write_MergeUpdatesExistingByID(t *testing.T) {
	m := New()
	m.Write("a1", false, []Item{{ID: "1", Content: "first", Status: "pending"}})
	summary := m.Write("a1", true, []Item{{ID: "1", Content: "first", Status: "completed"}, {ID: "2", Content: "second", Status: "pending"}})

	assert.Equal(t, 2, summary["count"])
	items := m.Read("a1")
	require.Len(t, items, 2)
	assert.Equal(t, "completed", items[0].Status)
}

func TestHandler_Execute_UnknownToolName(t *testing.T) {
	h := NewHandler(New())
	res := h.Execute(context.Background(), llm.ToolCall{ID: "c1", Name: "todo_bogus"})
	assert.False(t, res.Success)
}
