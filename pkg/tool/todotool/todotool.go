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

// Package todotool implements the todo_* server tools: an agent-scoped
// task list CRUD surface, persisted to an in-memory metadata map keyed
// by agent ID. Grounded on the teacher's v2/tool/todotool TodoManager,
// generalized from session-scoped to agent-scoped storage.
package todotool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nouscore/orchestrator/pkg/llm"
	"github.com/nouscore/orchestrator/pkg/tool"
)

// Item is a single task in an agent's todo list.
type Item struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

func isValidStatus(s string) bool {
	switch s {
	case "pending", "in_progress", "completed", "canceled":
		return true
	default:
		return false
	}
}

// Manager holds every agent's todo list in process memory.
type Manager struct {
	mu    sync.RWMutex
	todos map[string][]Item
}

// New creates an empty todo Manager.
func New() *Manager {
	return &Manager{todos: make(map[string][]Item)}
}

// Handler adapts Manager to the tool.Handler interface, dispatching
// todo_write and todo_read.
type Handler struct {
	mgr *Manager
}

// NewHandler wraps mgr as a tool.Handler.
func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

func (h *Handler) Prefixes() []string { return []string{"todo_"} }

// todoWriteArgs and todoReadArgs back tool.GenerateSchema's reflection;
// their json/jsonschema tags are the single source of truth for the
// parameter schemas advertised to the model.
type todoWriteArgs struct {
	AgentID string         `json:"agent_id" jsonschema:"required"`
	Merge   bool           `json:"merge" jsonschema:"required,description=If true merge with existing todos by ID; if false replace the whole list."`
	Todos   []todoItemArgs `json:"todos" jsonschema:"required,minItems=1"`
}

type todoItemArgs struct {
	ID      string `json:"id" jsonschema:"required"`
	Content string `json:"content" jsonschema:"required"`
	Status  string `json:"status" jsonschema:"required,enum=pending|in_progress|completed|canceled"`
}

type todoReadArgs struct {
	AgentID string `json:"agent_id" jsonschema:"required"`
}

func (h *Handler) Schemas() []llm.ToolSchema {
	return []llm.ToolSchema{
		{
			Name:        "todo_write",
			Description: "Create and manage a structured task list for tracking progress on multi-step work. The todos array must always contain at least one item; todos cannot be cleared, only updated.",
			Parameters:  tool.GenerateSchema[todoWriteArgs](),
		},
		{
			Name:        "todo_read",
			Description: "Read the current todo list for an agent.",
			Parameters:  tool.GenerateSchema[todoReadArgs](),
		},
	}
}

func (h *Handler) Execute(ctx context.Context, call llm.ToolCall) tool.Result {
	switch call.Name {
	case "todo_write":
		return h.write(call)
	case "todo_read":
		return h.read(call)
	default:
		return tool.Result{ToolCallID: call.ID, Success: false, Error: "unknown todo tool: " + call.Name}
	}
}

func (h *Handler) write(call llm.ToolCall) tool.Result {
	agentID, _ := call.Args["agent_id"].(string)
	if agentID == "" {
		return fail(call.ID, "agent_id is required")
	}

	merge, _ := call.Args["merge"].(bool)
	rawTodos, ok := call.Args["todos"].([]any)
	if !ok || len(rawTodos) == 0 {
		return fail(call.ID, "todos array cannot be empty")
	}

	items := make([]Item, 0, len(rawTodos))
	for i, raw := range rawTodos {
		m, ok := raw.(map[string]any)
		if !ok {
			return fail(call.ID, fmt.Sprintf("todo item %d is not an object", i))
		}
		item := Item{
			ID:      stringField(m, "id"),
			Content: stringField(m, "content"),
			Status:  stringField(m, "status"),
		}
		if item.ID == "" || item.Content == "" || item.Status == "" {
			return fail(call.ID, fmt.Sprintf("todo item %d is missing id, content, or status", i))
		}
		if !isValidStatus(item.Status) {
			return fail(call.ID, fmt.Sprintf("todo item %d has invalid status %q", i, item.Status))
		}
		items = append(items, item)
	}

	summary := h.mgr.Write(agentID, merge, items)
	encoded, err := json.Marshal(summary)
	if err != nil {
		return fail(call.ID, err.Error())
	}
	return tool.Result{ToolCallID: call.ID, Success: true, Content: string(encoded)}
}

func (h *Handler) read(call llm.ToolCall) tool.Result {
	agentID, _ := call.Args["agent_id"].(string)
	if agentID == "" {
		return fail(call.ID, "agent_id is required")
	}
	items := h.mgr.Read(agentID)
	encoded, err := json.Marshal(items)
	if err != nil {
		return fail(call.ID, err.Error())
	}
	return tool.Result{ToolCallID: call.ID, Success: true, Content: string(encoded)}
}

// Write replaces or merges agentID's todo list and returns a summary.
func (m *Manager) Write(agentID string, merge bool, items []Item) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	if merge {
		existing := m.todos[agentID]
		byID := make(map[string]int, len(existing))
		for i, t := range existing {
			byID[t.ID] = i
		}
		for _, incoming := range items {
			if idx, found := byID[incoming.ID]; found {
				existing[idx] = incoming
			} else {
				existing = append(existing, incoming)
				byID[incoming.ID] = len(existing) - 1
			}
		}
		m.todos[agentID] = existing
	} else {
		m.todos[agentID] = items
	}

	return map[string]any{
		"agent_id": agentID,
		"merge":    merge,
		"count":    len(m.todos[agentID]),
	}
}

// Read returns a copy of agentID's current todo list.
func (m *Manager) Read(agentID string) []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()

	existing := m.todos[agentID]
	out := make([]Item, len(existing))
	copy(out, existing)
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func fail(callID, msg string) tool.Result {
	return tool.Result{ToolCallID: callID, Success: false, Error: msg}
}
