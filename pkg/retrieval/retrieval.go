// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Package retrieval implements turnengine.ContextBuilder: the two
// optional blocks the prompt assembler folds into the system prompt
// each turn (spec.md §4.7's "(b) optional RAG context block" and "(c)
// optional conversation-memory recall block"). Both blocks are built
// fresh every turn from the triggering user message; neither is cached
// across turns since conv.DocumentIDs and the message history can both
// change between turns.
//
// Grounded on the teacher's RAG-enabled agent request path
// (pkg/agent/llmagent/flow.go's retrieveContext step, which embeds the
// query and calls into the configured memory/document backends before
// the LLM call), adapted here into the two independent pkg/rag.Search
// and memtool-style cosine-recall calls spec.md splits apart.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/nouscore/orchestrator/pkg/appconfig"
	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/embedder"
	"github.com/nouscore/orchestrator/pkg/llm"
	"github.com/nouscore/orchestrator/pkg/observability"
	"github.com/nouscore/orchestrator/pkg/promptbuilder"
	"github.com/nouscore/orchestrator/pkg/rag"
)

// Builder implements turnengine.ContextBuilder over the active backend's
// embedding API, the document chunk store, and the per-message
// embedding store.
type Builder struct {
	Manager           *llm.Manager
	Documents         convo.DocumentStore
	MessageEmbeddings convo.MessageEmbeddingStore
	Messages          convo.MessageStore
	Config            appconfig.RAGConfig

	// Live, when set, supersedes Config: every call reads the watcher's
	// most recently reloaded RAG section instead of the value Config was
	// constructed with, so editing .env's retrieval tunables takes effect
	// without a restart. Tests that construct a Builder directly (no
	// Watcher in play) are unaffected since Live stays nil.
	Live *appconfig.Watcher

	// Metrics is optional and nil-safe.
	Metrics *observability.Metrics
}

func (b *Builder) ragConfig() appconfig.RAGConfig {
	if b.Live != nil {
		return b.Live.RAG()
	}
	return b.Config
}

// resolveEmbedder builds an embedder bound to the conversation's backend
// and the configured embedding model. The caller must Close it.
func (b *Builder) resolveEmbedder(conv *convo.Conversation, cfg appconfig.RAGConfig) (*embedder.DriverAdapter, llm.Driver, error) {
	driver, _, err := b.Manager.ForAgent(llm.AgentBackendConfig{BackendKey: conv.Backend})
	if err != nil {
		return nil, nil, fmt.Errorf("retrieval: resolving backend: %w", err)
	}
	adapter, err := embedder.NewDriverAdapter(driver, cfg.EmbeddingModel)
	if err != nil {
		driver.Disconnect()
		return nil, nil, err
	}
	return adapter, driver, nil
}

// RAGContext embeds lastUserMessage (optionally via HyDE and query
// expansion) and retrieves the top-K chunks across conv.DocumentIDs per
// the configured strategy, formatted as spec.md §4.6's numbered source
// blocks. Returns "" without error when RAG is disabled, no documents
// are attached, or the query is empty.
func (b *Builder) RAGContext(ctx context.Context, conv *convo.Conversation, lastUserMessage string) (string, error) {
	cfg := b.ragConfig()
	if !cfg.Enabled || len(conv.DocumentIDs) == 0 || lastUserMessage == "" {
		return "", nil
	}

	emb, driver, err := b.resolveEmbedder(conv, cfg)
	if err != nil {
		return "", err
	}
	defer driver.Disconnect()

	queries := []string{lastUserMessage}
	if cfg.QueryExpansionEnabled {
		expander := rag.NewQueryExpander(driver)
		if variants, err := expander.Expand(ctx, lastUserMessage, 3); err == nil {
			queries = variants
		}
	}
	if cfg.HyDEEnabled {
		hyde := rag.NewHyDE(driver)
		if doc, err := hyde.GenerateHypotheticalDocument(ctx, lastUserMessage); err == nil {
			queries = append(queries, doc)
		}
	}

	chunks, err := b.chunksForDocuments(ctx, conv.DocumentIDs)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "", nil
	}

	searchStart := time.Now()
	strategy := rag.Strategy(cfg.RetrievalStrategy)
	merged := make(map[string]rag.Result)
	for _, q := range queries {
		vectors, err := emb.EmbedBatch(ctx, []string{q})
		if err != nil || len(vectors) == 0 {
			continue
		}
		results := rag.Search(ctx, chunks, vectors[0], q, rag.SearchParams{
			Strategy:  strategy,
			TopK:      cfg.RetrievalTopK,
			Threshold: cfg.RetrievalThreshold,
		})
		for _, r := range results {
			if existing, ok := merged[r.Chunk.ID]; !ok || r.Score > existing.Score {
				merged[r.Chunk.ID] = r
			}
		}
	}
	if len(merged) == 0 {
		return "", nil
	}

	results := make([]rag.Result, 0, len(merged))
	for _, r := range merged {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > cfg.RetrievalTopK && cfg.RetrievalTopK > 0 {
		results = results[:cfg.RetrievalTopK]
	}
	b.Metrics.RecordRAGSearch("documents", time.Since(searchStart), len(results))

	results, err = rag.Rerank(ctx, nil, lastUserMessage, results)
	if err != nil {
		return "", err
	}

	titles, err := b.docTitles(ctx, results)
	if err != nil {
		return "", err
	}
	block, _ := rag.FormatContext(results, titles)
	return block, nil
}

// MemoryRecall embeds lastUserMessage and ranks this conversation's
// stored message embeddings by cosine similarity, mirroring memtool's
// conversation_search scoring but run automatically every turn rather
// than on explicit tool call.
func (b *Builder) MemoryRecall(ctx context.Context, conv *convo.Conversation, lastUserMessage string) (string, error) {
	if lastUserMessage == "" {
		return "", nil
	}
	start := time.Now()
	defer func() { b.Metrics.RecordMemorySearch("message_embeddings", time.Since(start)) }()

	emb, driver, err := b.resolveEmbedder(conv, b.ragConfig())
	if err != nil {
		return "", err
	}
	defer driver.Disconnect()

	queryVec, err := emb.Embed(ctx, lastUserMessage)
	if err != nil {
		return "", fmt.Errorf("retrieval: embedding query: %w", err)
	}

	embeddings, err := b.MessageEmbeddings.ListByConversation(ctx, conv.ID)
	if err != nil {
		return "", fmt.Errorf("retrieval: listing message embeddings: %w", err)
	}
	if len(embeddings) == 0 {
		return "", nil
	}

	scored := make([]promptbuilder.RecalledMessage, 0, len(embeddings))
	for _, e := range embeddings {
		msg, err := b.Messages.Get(ctx, e.MessageID)
		if err != nil {
			continue
		}
		scored = append(scored, promptbuilder.RecalledMessage{Message: msg, Score: cosineSimilarity(queryVec, e.Embedding)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	const topK = 5
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return promptbuilder.FormatMemoryRecall(scored), nil
}

func (b *Builder) chunksForDocuments(ctx context.Context, documentIDs []string) ([]*convo.Chunk, error) {
	var chunks []*convo.Chunk
	for _, id := range documentIDs {
		docChunks, err := b.Documents.ListChunks(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("retrieval: listing chunks for document %s: %w", id, err)
		}
		chunks = append(chunks, docChunks...)
	}
	return chunks, nil
}

func (b *Builder) docTitles(ctx context.Context, results []rag.Result) (map[string]string, error) {
	docs := make(map[string]*convo.Document)
	for _, r := range results {
		if _, ok := docs[r.Chunk.DocumentID]; ok {
			continue
		}
		doc, err := b.Documents.GetDocument(ctx, r.Chunk.DocumentID)
		if err != nil {
			continue
		}
		docs[r.Chunk.DocumentID] = doc
	}
	return rag.DocTitles(docs), nil
}

func cosineSimilarity(a, b []float32) float64 {
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
