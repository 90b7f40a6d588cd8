// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package promptbuilder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/llm"
)

func TestAssemble_IncludesAllNonEmptySectionsInOrder(t *testing.T) {
	a := NewAssembler()
	agent := &convo.Agent{Instructions: "You are a helpful assistant."}
	tools := []llm.ToolSchema{
		{Name: "web_search", Description: "Search the web."},
		{Name: "document_list", Description: ""},
	}

	got := a.Assemble(agent, "[Source 1] doc (Chunk 0)\nsome context", "Relevant prior messages:\n- (user) hi", tools, 2, 10)

	instrIdx := strings.Index(got, "You are a helpful assistant.")
	ragIdx := strings.Index(got, "[Source 1]")
	memIdx := strings.Index(got, "Relevant prior messages")
	toolIdx := strings.Index(got, "Available tools:")
	turnIdx := strings.Index(got, "Turn: 2/10")

	assert.True(t, instrIdx >= 0 && instrIdx < ragIdx)
	assert.True(t, ragIdx < memIdx)
	assert.True(t, memIdx < toolIdx)
	assert.True(t, toolIdx < turnIdx)
	assert.Contains(t, got, "- web_search: Search the web.")
	assert.Contains(t, got, "- document_list: (no description)")
}

func TestAssemble_SkipsEmptySections(t *testing.T) {
	a := NewAssembler()
	got := a.Assemble(nil, "", "", nil, 1, 5)
	assert.Equal(t, "Turn: 1/5", got)
}

func TestFormatMemoryRecall_EmptyReturnsEmptyString(t *testing.T) {
	assert.Equal(t, "", FormatMemoryRecall(nil))
}

func TestFormatMemoryRecall_TruncatesLongContent(t *testing.T) {
	msg := &convo.Message{Role: convo.RoleUser, Content: strings.Repeat("a", 300)}
	out := FormatMemoryRecall([]RecalledMessage{{Message: msg, Score: 0.9}})
	assert.Contains(t, out, "...")
	assert.True(t, len(out) < 300+50)
}
