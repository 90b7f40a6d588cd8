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

// Package convo holds the data model shared by every orchestrator
// component: conversations, messages, tool calls, documents and their
// chunks, summaries, and the embedding cache. Storage is abstracted
// behind repository interfaces in store.go; package memstore provides
// an in-process implementation.
package convo

import (
	"time"

	"github.com/nouscore/orchestrator/pkg/llm"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusIdle      ConversationStatus = "idle"
	StatusActive    ConversationStatus = "active"
	StatusPaused    ConversationStatus = "paused"
	StatusCompleted ConversationStatus = "completed"
	StatusCancelled ConversationStatus = "cancelled"
	StatusFailed    ConversationStatus = "failed"
)

// WaitingFor names what a paused conversation is blocked on.
type WaitingFor string

const (
	WaitingForNone       WaitingFor = ""
	WaitingForToolResult WaitingFor = "tool_result"
)

// Conversation is a single multi-turn chat session, exclusively owned by a
// user and bound to one agent/backend/model. It is paused iff
// PendingToolRequest is non-nil; the two must never disagree (see
// Conversation.Validate).
type Conversation struct {
	ID      string
	UserID  string
	AgentID string

	Status ConversationStatus

	Backend     string
	Model       string
	Temperature *float64
	MaxTokens   *int

	// TurnCount is the total number of turn jobs run for this conversation.
	// RequestTurnCount resets to 0 each time a new user message starts a
	// fresh request; MaxTurns caps it to stop runaway tool loops.
	TurnCount        int
	RequestTurnCount int
	MaxTurns         int

	TokensPrompt     int
	TokensCompletion int

	// PendingToolRequest is the single in-flight client tool call a paused
	// conversation is waiting on. Non-nil iff Status == StatusPaused.
	PendingToolRequest *llm.ToolCall
	WaitingFor         WaitingFor

	// PendingServerCalls holds the tool calls from the current response
	// not yet dispatched: set once after a turn's LLM call returns
	// multiple valid tool calls, and drained one at a time (by the turn
	// engine for server tools, or by pausing for a client tool) so a
	// resumed turn job continues from the next pending call instead of
	// re-invoking the backend.
	PendingServerCalls []llm.ToolCall

	// SystemPromptSnapshot and ModelConfigSnapshot freeze the first turn's
	// assembled prompt and normalized backend config for audit; later turns
	// may reassemble a different prompt (new RAG hits, updated history) but
	// the snapshot never changes.
	SystemPromptSnapshot string
	ModelConfigSnapshot  *llm.NormalizedConfig

	// DocumentIDs scopes which documents this conversation's RAG retrieval
	// may draw from.
	DocumentIDs []string

	Cancelled   bool
	CancelledAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate reports whether the paused-iff-pending-tool-request invariant
// holds for this conversation.
func (c *Conversation) Validate() bool {
	return (c.Status == StatusPaused) == (c.PendingToolRequest != nil)
}

// MessageRole identifies who produced a message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is one entry in a conversation's append-only log, ordered by a
// monotonically increasing, dense Position.
type Message struct {
	ID             string
	ConversationID string
	Position       int

	Role    MessageRole
	Content string

	ToolCalls  []llm.ToolCall // set on assistant messages that invoke tools
	ToolCallID string         // set on role=tool messages, correlates to a ToolCall.ID
	Name       string         // tool name, set on role=tool messages

	Thinking   string // optional reasoning text, assistant messages only
	TokenCount int
	Images     []llm.ImagePart

	CreatedAt time.Time
}

// Document is an ingested source for the RAG pipeline. Its pipeline
// progress is recorded as an append-only sequence of DocumentStage
// records rather than mutated in place, so ingestion is resumable and
// auditable after a crash mid-phase.
type Document struct {
	ID        string
	SourceURI string // original URL or upload path, empty if pasted text
	MimeType  string
	Language  string // BCP-47-ish hint, selects a stopword list during cleaning
	Title     string

	Status DocumentStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentStatus tracks ingestion progress at the document level.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentExtracted  DocumentStatus = "extracted"
	DocumentCleaned    DocumentStatus = "cleaned"
	DocumentNormalized DocumentStatus = "normalized"
	DocumentChunked    DocumentStatus = "chunked"
	DocumentFailed     DocumentStatus = "failed"
)

// DocumentPhase names one of the four sequential ingestion stages.
type DocumentPhase string

const (
	PhaseExtracted  DocumentPhase = "extracted"
	PhaseCleaned    DocumentPhase = "cleaned"
	PhaseNormalized DocumentPhase = "normalized"
	PhaseChunked    DocumentPhase = "chunked"
)

// DocumentStage is one append-only checkpoint in a document's ingestion
// pipeline: the text as it stood after that phase, plus any warnings the
// phase emitted.
type DocumentStage struct {
	ID         string
	DocumentID string
	Phase      DocumentPhase
	Text       string
	Warnings   []string
	CreatedAt  time.Time
}

// Chunk is one retrievable unit of a document after cleaning and
// splitting, carrying both a dense embedding and a sparse term-frequency
// vector for hybrid search.
type Chunk struct {
	ID         string
	DocumentID string
	Ordinal    int

	Content      string
	TokenCount   int
	StartOffset  int
	EndOffset    int
	SectionTitle string
	ChunkType    string // e.g. "text", "table", "code" — extractor-defined

	Embedding           []float32
	EmbeddingModel      string
	EmbeddingGeneratedAt *time.Time
	SparseTerms         map[string]float32 // term -> normalized term frequency
	ContentHash         string

	Language  string
	CreatedAt time.Time
}

// MessageEmbedding indexes an embeddable (user/assistant) message for
// conversation-memory semantic recall.
type MessageEmbedding struct {
	MessageID      string
	ConversationID string
	Embedding      []float32
	EmbeddingModel string
	SparseTerms    map[string]float32
	ContentHash    string
	CreatedAt      time.Time
}

// Summary is a rollup replacing a contiguous, non-overlapping
// [FromPosition, ToPosition] range of messages in a completed state.
type Summary struct {
	ID             string
	ConversationID string

	FromPosition int
	ToPosition   int

	Status  SummaryStatus
	Content string

	TokenCount         int
	OriginalTokenCount int // sum of the replaced messages' token counts, for compression-ratio reporting

	BackendUsed          string
	ModelUsed            string
	SummarizedMessageIDs []string

	Attempts int

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// SummaryStatus tracks the summarization worker's job state.
type SummaryStatus string

const (
	SummaryPending    SummaryStatus = "pending"
	SummaryProcessing SummaryStatus = "processing"
	SummaryCompleted  SummaryStatus = "completed"
	SummaryFailed     SummaryStatus = "failed"
)

// EmbeddingCacheEntry memoizes an embedding call, keyed by
// (ContentHash, EmbeddingModel) with insert-or-return semantics.
type EmbeddingCacheEntry struct {
	ContentHash    string
	EmbeddingModel string
	Vector         []float32
	CreatedAt      time.Time
}
