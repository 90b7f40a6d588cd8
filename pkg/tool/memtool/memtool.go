// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Package memtool implements the conversation_* server tool: semantic
// recall into this or a prior conversation's messages, ranked by cosine
// similarity over stored message embeddings. Grounded on the teacher's
// memory-recall shape in pkg/tool/ragtool, adapted from document chunks
// to per-message embeddings.
package memtool

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/embedder"
	"github.com/nouscore/orchestrator/pkg/llm"
	"github.com/nouscore/orchestrator/pkg/observability"
	"github.com/nouscore/orchestrator/pkg/tool"
)

// Handler serves conversation_search.
type Handler struct {
	embeddings convo.MessageEmbeddingStore
	messages   convo.MessageStore
	emb        embedder.Embedder

	// Metrics is optional and nil-safe.
	Metrics *observability.Metrics
}

// NewHandler builds a memtool Handler. emb may be nil, in which case
// conversation_search fails with an explicit error rather than panicking.
func NewHandler(embeddings convo.MessageEmbeddingStore, messages convo.MessageStore, emb embedder.Embedder) *Handler {
	return &Handler{embeddings: embeddings, messages: messages, emb: emb}
}

func (h *Handler) Prefixes() []string { return []string{"conversation_"} }

type conversationSearchArgs struct {
	ConversationID string `json:"conversation_id" jsonschema:"required"`
	Query          string `json:"query" jsonschema:"required"`
	TopK           int    `json:"top_k,omitempty" jsonschema:"minimum=1"`
}

func (h *Handler) Schemas() []llm.ToolSchema {
	return []llm.ToolSchema{
		{
			Name:        "conversation_search",
			Description: "Semantically search this conversation's message history for relevant prior turns.",
			Parameters:  tool.GenerateSchema[conversationSearchArgs](),
		},
	}
}

func (h *Handler) Execute(ctx context.Context, call llm.ToolCall) tool.Result {
	switch call.Name {
	case "conversation_search":
		return h.search(ctx, call)
	default:
		return fail(call.ID, "unknown conversation tool: "+call.Name)
	}
}

type scoredMessage struct {
	Message *convo.Message `json:"message"`
	Score   float64        `json:"score"`
}

func (h *Handler) search(ctx context.Context, call llm.ToolCall) tool.Result {
	start := time.Now()
	defer func() { h.Metrics.RecordMemorySearch("message_embeddings", time.Since(start)) }()

	if h.emb == nil {
		return fail(call.ID, "conversation search is not configured with an embedder")
	}
	conversationID, _ := call.Args["conversation_id"].(string)
	if strings.TrimSpace(conversationID) == "" {
		return fail(call.ID, "conversation_id is required")
	}
	query, _ := call.Args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return fail(call.ID, "query is required")
	}
	topK := 5
	if raw, ok := call.Args["top_k"].(float64); ok && int(raw) > 0 {
		topK = int(raw)
	}

	queryVec, err := h.emb.Embed(ctx, query)
	if err != nil {
		return fail(call.ID, fmt.Sprintf("embed query: %v", err))
	}

	embeddings, err := h.embeddings.ListByConversation(ctx, conversationID)
	if err != nil {
		return fail(call.ID, fmt.Sprintf("list message embeddings: %v", err))
	}

	byID := make(map[string]*convo.MessageEmbedding, len(embeddings))
	for _, e := range embeddings {
		byID[e.MessageID] = e
	}

	scored := make([]scoredMessage, 0, len(embeddings))
	for _, e := range embeddings {
		msg, err := h.messages.Get(ctx, e.MessageID)
		if err != nil {
			continue
		}
		scored = append(scored, scoredMessage{Message: msg, Score: cosineSimilarity(queryVec, e.Embedding)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}

	b, err := json.Marshal(scored)
	if err != nil {
		return fail(call.ID, err.Error())
	}
	return tool.Result{ToolCallID: call.ID, Success: true, Content: string(b)}
}

func cosineSimilarity(a []float32, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func fail(callID, msg string) tool.Result {
	return tool.Result{ToolCallID: callID, Success: false, Error: msg}
}
