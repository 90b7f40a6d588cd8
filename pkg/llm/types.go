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

// Package llm normalizes backend configuration and wraps the wire
// dialects of several LLM providers (OpenAI-compatible, Anthropic,
// Ollama) behind one Driver contract, grounded on the teacher's
// pkg/llms registry and provider adapters.
package llm

import "context"

// Role identifies the speaker of a ChatMessage.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChunkKind distinguishes visible completion text from a model's
// internal reasoning/thinking trace, both of which some providers stream.
type ChunkKind string

const (
	ChunkContent  ChunkKind = "content"
	ChunkThinking ChunkKind = "thinking"
)

// FinishReason is the normalized reason generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishToolCalls FinishReason = "tool_calls"
)

// ImagePart is an image attachment, either fetched by URL or inlined as
// base64-encoded bytes.
type ImagePart struct {
	URL       string
	Base64    string
	MediaType string // e.g. "image/png", required when Base64 is set
}

// ToolCall is the canonical decoded form of a provider tool invocation,
// regardless of source wire format.
type ToolCall struct {
	ID       string
	Name     string
	Args     map[string]any // decoded from RawArgs; {} if parsing failed
	RawArgs  string         // the provider's raw JSON argument string
}

// ChatMessage is the canonical, provider-agnostic message shape every
// driver translates to and from its wire format.
type ChatMessage struct {
	Role       Role
	Content    string
	Thinking   string
	ToolCalls  []ToolCall
	ToolCallID string // set on role=tool messages
	Name       string // tool name, set on role=tool messages
	Images     []ImagePart
}

// ToolSchema is a tool definition offered to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema object
}

// RequestContext is the input bundle passed to a driver's Execute /
// StreamExecute.
type RequestContext struct {
	Messages     []ChatMessage
	Tools        []ToolSchema
	SystemPrompt string
	RequestTurn  int
	MaxTurns     int
}

// TokenUsage records provider-reported token accounting. A provider
// that doesn't report a figure leaves it 0 and the caller flags it on
// metadata (open question in the design notes) rather than estimate it.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the aggregate result of Execute or a completed StreamExecute.
type Response struct {
	Content      string
	Thinking     string
	ToolCalls    []ToolCall
	FinishReason FinishReason
	Usage        TokenUsage
}

// StreamSink receives streamed text as it arrives. kind distinguishes
// visible content from thinking/reasoning traces.
type StreamSink func(textChunk string, kind ChunkKind)

// ModelInfo describes one model a driver can serve.
type ModelInfo struct {
	Name         string
	ContextLimit int
	Details      map[string]any // populated only when "detailed" listing was requested
}

// ProgressSink receives model-pull progress updates (Ollama-style).
type ProgressSink func(status string, completed, total int64)

// NormalizedConfig is the result of C1's merge-then-clamp normalization:
// driver defaults, then global config, then per-agent overrides, clamped
// against the (driver, model) limits table.
type NormalizedConfig struct {
	Model              string
	Temperature        float64
	MaxTokens          int
	TopP               *float64
	TopK               *int
	FrequencyPenalty   *float64
	PresencePenalty    *float64
	Timeout            int // seconds
	ValidationWarnings []string
}

// Driver is the contract every backend adapter satisfies. Implementations
// are returned bound to a NormalizedConfig via WithConfig and must be
// independently disconnectable so Backend Manager (C3) can hand out a
// fresh instance per call without shared transport state.
type Driver interface {
	Name() string

	Execute(ctx context.Context, rc RequestContext) (*Response, error)
	StreamExecute(ctx context.Context, rc RequestContext, sink StreamSink) (*Response, error)

	CountTokens(text string) int
	ContextLimit() int

	SupportsEmbeddings() bool
	GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
	EmbeddingDimensions(model string) int

	SupportsModelManagement() bool
	PullModel(ctx context.Context, name string, progress ProgressSink) error
	DeleteModel(ctx context.Context, name string) error
	ShowModel(ctx context.Context, name string) (ModelInfo, error)

	ListModels(ctx context.Context, detailed bool) ([]ModelInfo, error)

	// WithConfig returns a clone bound to cfg; the receiver's own config
	// is unchanged. The clone shares the receiver's HTTP transport.
	WithConfig(cfg NormalizedConfig) Driver

	// Disconnect releases transport resources. Idempotent.
	Disconnect() error
}
