// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Package doctool implements the document_* server tools: listing
// ingested documents, inspecting one document's chunks, reading its
// full extracted text, and a dense-similarity search over its chunks.
// Grounded on the teacher's pkg/tool/ragtool (document introspection
// shape) generalized to this project's convo.DocumentStore.
package doctool

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/embedder"
	"github.com/nouscore/orchestrator/pkg/llm"
	"github.com/nouscore/orchestrator/pkg/tool"
)

// Handler serves document_list, document_info, document_get_chunks,
// document_read_file, and document_search.
type Handler struct {
	docs convo.DocumentStore
	emb  embedder.Embedder
}

// NewHandler builds a doctool Handler. emb may be nil, in which case
// document_search fails with an explicit error rather than panicking.
func NewHandler(docs convo.DocumentStore, emb embedder.Embedder) *Handler {
	return &Handler{docs: docs, emb: emb}
}

func (h *Handler) Prefixes() []string { return []string{"document_"} }

type documentIDArgs struct {
	DocumentID string `json:"document_id" jsonschema:"required"`
}

type documentSearchArgs struct {
	Query string `json:"query" jsonschema:"required"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"minimum=1"`
}

func (h *Handler) Schemas() []llm.ToolSchema {
	return []llm.ToolSchema{
		{
			Name:        "document_list",
			Description: "List ingested documents with their ingestion status.",
			Parameters:  tool.GenerateSchema[struct{}](),
		},
		{
			Name:        "document_info",
			Description: "Get metadata and ingestion status for one document.",
			Parameters:  tool.GenerateSchema[documentIDArgs](),
		},
		{
			Name:        "document_get_chunks",
			Description: "List the indexed chunks for one document, in order.",
			Parameters:  tool.GenerateSchema[documentIDArgs](),
		},
		{
			Name:        "document_read_file",
			Description: "Read the full extracted text of one document.",
			Parameters:  tool.GenerateSchema[documentIDArgs](),
		},
		{
			Name:        "document_search",
			Description: "Semantically search across all ingested documents' chunks.",
			Parameters:  tool.GenerateSchema[documentSearchArgs](),
		},
	}
}

func (h *Handler) Execute(ctx context.Context, call llm.ToolCall) tool.Result {
	switch call.Name {
	case "document_list":
		return h.list(ctx, call)
	case "document_info":
		return h.info(ctx, call)
	case "document_get_chunks":
		return h.getChunks(ctx, call)
	case "document_read_file":
		return h.readFile(ctx, call)
	case "document_search":
		return h.search(ctx, call)
	default:
		return fail(call.ID, "unknown document tool: "+call.Name)
	}
}

func (h *Handler) list(ctx context.Context, call llm.ToolCall) tool.Result {
	chunks, err := h.docs.AllChunks(ctx)
	if err != nil {
		return fail(call.ID, fmt.Sprintf("list documents: %v", err))
	}
	seen := make(map[string]bool)
	var ids []string
	for _, c := range chunks {
		if !seen[c.DocumentID] {
			seen[c.DocumentID] = true
			ids = append(ids, c.DocumentID)
		}
	}
	var docs []*convo.Document
	for _, id := range ids {
		d, err := h.docs.GetDocument(ctx, id)
		if err == nil {
			docs = append(docs, d)
		}
	}
	return encode(call.ID, docs)
}

func (h *Handler) info(ctx context.Context, call llm.ToolCall) tool.Result {
	id, _ := call.Args["document_id"].(string)
	if strings.TrimSpace(id) == "" {
		return fail(call.ID, "document_id is required")
	}
	doc, err := h.docs.GetDocument(ctx, id)
	if err != nil {
		return fail(call.ID, fmt.Sprintf("get document: %v", err))
	}
	stages, err := h.docs.ListStages(ctx, id)
	if err != nil {
		return fail(call.ID, fmt.Sprintf("list stages: %v", err))
	}
	return encode(call.ID, map[string]any{"document": doc, "stages": stages})
}

func (h *Handler) getChunks(ctx context.Context, call llm.ToolCall) tool.Result {
	id, _ := call.Args["document_id"].(string)
	if strings.TrimSpace(id) == "" {
		return fail(call.ID, "document_id is required")
	}
	chunks, err := h.docs.ListChunks(ctx, id)
	if err != nil {
		return fail(call.ID, fmt.Sprintf("list chunks: %v", err))
	}
	return encode(call.ID, chunks)
}

func (h *Handler) readFile(ctx context.Context, call llm.ToolCall) tool.Result {
	id, _ := call.Args["document_id"].(string)
	if strings.TrimSpace(id) == "" {
		return fail(call.ID, "document_id is required")
	}
	stages, err := h.docs.ListStages(ctx, id)
	if err != nil {
		return fail(call.ID, fmt.Sprintf("list stages: %v", err))
	}
	if len(stages) == 0 {
		return fail(call.ID, "document has no recorded text")
	}
	latest := stages[len(stages)-1]
	return tool.Result{ToolCallID: call.ID, Success: true, Content: latest.Text}
}

type scoredChunk struct {
	Chunk *convo.Chunk `json:"chunk"`
	Score float64      `json:"score"`
}

func (h *Handler) search(ctx context.Context, call llm.ToolCall) tool.Result {
	if h.emb == nil {
		return fail(call.ID, "document search is not configured with an embedder")
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

	chunks, err := h.docs.AllChunks(ctx)
	if err != nil {
		return fail(call.ID, fmt.Sprintf("list chunks: %v", err))
	}

	scored := make([]scoredChunk, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		scored = append(scored, scoredChunk{Chunk: c, Score: cosineSimilarity(queryVec, c.Embedding)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return encode(call.ID, scored)
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

func encode(callID string, v any) tool.Result {
	b, err := json.Marshal(v)
	if err != nil {
		return fail(callID, err.Error())
	}
	return tool.Result{ToolCallID: callID, Success: true, Content: string(b)}
}

func fail(callID, msg string) tool.Result {
	return tool.Result{ToolCallID: callID, Success: false, Error: msg}
}
