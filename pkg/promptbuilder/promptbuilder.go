// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Package promptbuilder assembles the final system prompt for a turn from
// the agent's instructions, retrieved RAG/memory context, tool
// availability, and turn metadata, grounded on the teacher's
// DefaultPromptService.composeSystemPromptFromSlots slot-concatenation
// shape (pkg/agent/services.go), adapted from fixed prompt "slots" to
// this project's agent/RAG/memory/tool sources.
package promptbuilder

import (
	"fmt"
	"strings"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/llm"
)

// RecalledMessage is one conversation-memory hit to surface in the
// recall block, scored by memtool's cosine-similarity search.
type RecalledMessage struct {
	Message *convo.Message
	Score   float64
}

// Assembler renders the final system prompt per spec.md §4.7: agent
// instructions, RAG context, memory recall, tool preamble, and turn
// metadata, each separated by a blank line and present only if non-empty.
type Assembler struct{}

// NewAssembler returns an Assembler. It holds no state; every call to
// Assemble is independent.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Assemble concatenates, separated by blank lines: (a) the agent's
// free-text instructions, (b) ragContext if non-empty, (c) memoryRecall
// if non-empty, (d) a tool-availability preamble if tools is non-empty,
// (e) "Turn: <turn>/<maxTurns>". Callers are responsible for snapshotting
// the first-turn result into Conversation.SystemPromptSnapshot.
func (a *Assembler) Assemble(agent *convo.Agent, ragContext, memoryRecall string, tools []llm.ToolSchema, turn, maxTurns int) string {
	var parts []string

	if agent != nil {
		if instructions := strings.TrimSpace(agent.Instructions); instructions != "" {
			parts = append(parts, instructions)
		}
	}
	if ctx := strings.TrimSpace(ragContext); ctx != "" {
		parts = append(parts, ctx)
	}
	if recall := strings.TrimSpace(memoryRecall); recall != "" {
		parts = append(parts, recall)
	}
	if len(tools) > 0 {
		parts = append(parts, toolPreamble(tools))
	}
	parts = append(parts, fmt.Sprintf("Turn: %d/%d", turn, maxTurns))

	return strings.Join(parts, "\n\n")
}

func toolPreamble(tools []llm.ToolSchema) string {
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		desc := strings.TrimSpace(t.Description)
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, desc)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatMemoryRecall renders scored conversation-memory hits into the
// recall block consumed by Assemble. Returns "" for an empty result set
// so Assemble skips the block entirely.
func FormatMemoryRecall(results []RecalledMessage) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant prior messages:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- (%s) %s\n", r.Message.Role, truncate(r.Message.Content, 240))
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
