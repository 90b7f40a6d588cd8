// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package ctxwindow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/llm"
)

func msg(pos int, role convo.MessageRole, content string, tokens int) *convo.Message {
	return &convo.Message{ID: "m" + itoa(pos), ConversationID: "c1", Position: pos, Role: role, Content: content, TokenCount: tokens}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestPlan_AlwaysIncludesMostRecentUserMessageAndLater(t *testing.T) {
	p := NewPlanner(llm.NewTokenCounter("gpt-4o"))
	messages := []*convo.Message{
		msg(1, convo.RoleUser, "old question", 5000),
		msg(2, convo.RoleAssistant, "old answer", 5000),
		msg(3, convo.RoleUser, "latest question", 10),
		msg(4, convo.RoleAssistant, "latest answer", 10),
	}
	out := p.Plan(messages, nil, Params{ContextLimit: 50, OutputReserve: 0, ToolDefTokens: 0, SystemPromptTokens: 0})
	require.Len(t, out, 2)
	assert.Equal(t, "latest question", out[0].Content)
	assert.Equal(t, "latest answer", out[1].Content)
}

func TestPlan_ReplacesCoveredRangeWithSummary(t *testing.T) {
	p := NewPlanner(llm.NewTokenCounter("gpt-4o"))
	messages := []*convo.Message{
		msg(1, convo.RoleUser, "q1", 20),
		msg(2, convo.RoleAssistant, "a1", 20),
		msg(3, convo.RoleUser, "q2", 20),
		msg(4, convo.RoleAssistant, "a2", 20),
	}
	summaries := []*convo.Summary{
		{ID: "s1", ConversationID: "c1", FromPosition: 1, ToPosition: 2, Status: convo.SummaryCompleted, Content: "summary of q1/a1", TokenCount: 5},
	}
	out := p.Plan(messages, summaries, Params{ContextLimit: 1000, OutputReserve: 0, ToolDefTokens: 0, SystemPromptTokens: 0})
	require.Len(t, out, 3)
	assert.Equal(t, llm.RoleSystem, out[0].Role)
	assert.Equal(t, "summary of q1/a1", out[0].Content)
	assert.Equal(t, "q2", out[1].Content)
	assert.Equal(t, "a2", out[2].Content)
}

func TestPlan_DropsOldestFirstOnOverflow(t *testing.T) {
	p := NewPlanner(llm.NewTokenCounter("gpt-4o"))
	messages := []*convo.Message{
		msg(1, convo.RoleUser, "ancient", 100),
		msg(2, convo.RoleAssistant, "ancient reply", 100),
		msg(3, convo.RoleUser, "recent", 100),
		msg(4, convo.RoleAssistant, "recent reply", 100),
		msg(5, convo.RoleUser, "latest", 10),
	}
	budget := Params{ContextLimit: 200 + safetyMarginTokens, OutputReserve: 0, ToolDefTokens: 0, SystemPromptTokens: 0}
	out := p.Plan(messages, nil, budget)

	var contents []string
	for _, m := range out {
		contents = append(contents, m.Content)
	}
	assert.Contains(t, contents, "latest")
	assert.NotContains(t, contents, "ancient")
}

func TestPlan_NeverOrphansToolResultFromItsCall(t *testing.T) {
	p := NewPlanner(llm.NewTokenCounter("gpt-4o"))
	toolCall := llm.ToolCall{ID: "call-1", Name: "web_search"}
	assistantWithCall := msg(2, convo.RoleAssistant, "", 100)
	assistantWithCall.ToolCalls = []llm.ToolCall{toolCall}
	toolResult := msg(3, convo.RoleTool, "results...", 100)
	toolResult.ToolCallID = "call-1"
	toolResult.Name = "web_search"

	messages := []*convo.Message{
		msg(1, convo.RoleUser, "q1", 50),
		assistantWithCall,
		toolResult,
		msg(4, convo.RoleAssistant, "final answer", 50),
		msg(5, convo.RoleUser, "latest", 10),
	}

	// Budget tight enough that the tool-call pair (200 tokens combined)
	// either fits together or is dropped together, never split.
	out := p.Plan(messages, nil, Params{ContextLimit: 260 + safetyMarginTokens})

	hasCall := false
	hasResult := false
	for _, m := range out {
		if len(m.ToolCalls) > 0 {
			hasCall = true
		}
		if m.Role == llm.RoleTool {
			hasResult = true
		}
	}
	assert.Equal(t, hasCall, hasResult)
}

func TestBudget_FloorsAtZero(t *testing.T) {
	params := Params{ContextLimit: 100, OutputReserve: 200}
	assert.Equal(t, 0, params.Budget())
}
