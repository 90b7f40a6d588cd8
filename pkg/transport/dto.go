// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package transport

import (
	"time"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/llm"
)

type imagePartDTO struct {
	URL       string `json:"url,omitempty"`
	Base64    string `json:"base64,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

type toolSchemaDTO struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type createConversationRequest struct {
	UserID      string   `json:"user_id"`
	AgentID     string   `json:"agent_id"`
	Backend     string   `json:"backend,omitempty"`
	Model       string   `json:"model,omitempty"`
	MaxTurns    int      `json:"max_turns,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

type conversationResponse struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	AgentID          string    `json:"agent_id"`
	Status           string    `json:"status"`
	TurnCount        int       `json:"turn_count"`
	RequestTurnCount int       `json:"request_turn_count"`
	TokensPrompt     int       `json:"tokens_prompt"`
	TokensCompletion int       `json:"tokens_completion"`
	WaitingFor       string    `json:"waiting_for,omitempty"`
	Cancelled        bool      `json:"cancelled"`
	CreatedAt        time.Time `json:"created_at"`
}

func newConversationResponse(c *convo.Conversation) conversationResponse {
	return conversationResponse{
		ID:               c.ID,
		UserID:           c.UserID,
		AgentID:          c.AgentID,
		Status:           string(c.Status),
		TurnCount:        c.TurnCount,
		RequestTurnCount: c.RequestTurnCount,
		TokensPrompt:     c.TokensPrompt,
		TokensCompletion: c.TokensCompletion,
		WaitingFor:       string(c.WaitingFor),
		Cancelled:        c.Cancelled,
		CreatedAt:        c.CreatedAt,
	}
}

type postMessageRequest struct {
	Content     string          `json:"content"`
	Images      []imagePartDTO  `json:"images,omitempty"`
	ClientTools []toolSchemaDTO `json:"client_tools,omitempty"`
}

type messageResponse struct {
	ID         string         `json:"id"`
	Position   int            `json:"position"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Thinking   string         `json:"thinking,omitempty"`
	TokenCount int            `json:"token_count"`
	CreatedAt  time.Time      `json:"created_at"`
}

func newMessageResponse(m *convo.Message) messageResponse {
	return messageResponse{
		ID:         m.ID,
		Position:   m.Position,
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
		Thinking:   m.Thinking,
		TokenCount: m.TokenCount,
		CreatedAt:  m.CreatedAt,
	}
}

// toolResultRequest mirrors tool.Result's success/content/error shape:
// a client posts Output on success or Error on failure, never both.
type toolResultRequest struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
