// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package tool

import (
	"context"
	"strings"

	"github.com/nouscore/orchestrator/pkg/llm"
)

// Result is the outcome of a server tool handler's execution. Handlers
// never propagate a panic or error to the caller; they catch their own
// failures and report them here instead.
type Result struct {
	ToolCallID string
	Success    bool
	Content    string // JSON-encoded payload on success
	Error      string
}

// Handler serves every tool call whose sanitized name carries one of its
// declared prefixes (e.g. "todo_", "web_").
type Handler interface {
	// Prefixes names the tool-name prefixes this handler dispatches for.
	Prefixes() []string
	// Schemas returns the llm.ToolSchema definitions this handler
	// contributes to the system tool set.
	Schemas() []llm.ToolSchema
	Execute(ctx context.Context, call llm.ToolCall) Result
}

// Dispatcher routes a tool call to the Handler whose prefix matches the
// call's name, by name-prefix as spec.md §4.5 requires.
type Dispatcher struct {
	handlers []Handler
}

// NewDispatcher builds a Dispatcher over the given handlers. Handlers are
// consulted in the order given; the first matching prefix wins.
func NewDispatcher(handlers ...Handler) *Dispatcher {
	return &Dispatcher{handlers: handlers}
}

// SystemSchemas collects every handler's contributed tool schemas, for
// use as the "system" source passed to NewRegistry.
func (d *Dispatcher) SystemSchemas() []llm.ToolSchema {
	var out []llm.ToolSchema
	for _, h := range d.handlers {
		out = append(out, h.Schemas()...)
	}
	return out
}

// Execute dispatches call to the matching handler. A call whose name
// matches no registered prefix returns a failed Result rather than
// panicking or being silently dropped — the caller broadcasts it as a
// tool_completed event same as any other failure.
func (d *Dispatcher) Execute(ctx context.Context, call llm.ToolCall) Result {
	for _, h := range d.handlers {
		for _, prefix := range h.Prefixes() {
			if strings.HasPrefix(call.Name, prefix) {
				return h.Execute(ctx, call)
			}
		}
	}
	return Result{ToolCallID: call.ID, Success: false, Error: "no server handler registered for tool " + call.Name}
}
