// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nouscore/orchestrator/pkg/appconfig"
	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/convo/memstore"
	"github.com/nouscore/orchestrator/pkg/llm"
)

type fakeEmbeddingDriver struct {
	llm.Driver // embedded nil to satisfy the interface; every method below is overridden
	vector     []float32
}

func (d *fakeEmbeddingDriver) SupportsEmbeddings() bool { return true }
func (d *fakeEmbeddingDriver) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = d.vector
	}
	return vectors, nil
}
func (d *fakeEmbeddingDriver) EmbeddingDimensions(model string) int { return len(d.vector) }
func (d *fakeEmbeddingDriver) WithConfig(cfg llm.NormalizedConfig) llm.Driver { return d }
func (d *fakeEmbeddingDriver) Disconnect() error                             { return nil }

func newTestBuilder(t *testing.T, store *memstore.Store, cfg appconfig.RAGConfig) *Builder {
	t.Helper()
	mgr := llm.NewManager("fake-backend", llm.GlobalConfig{})
	require.NoError(t, mgr.RegisterFactory("fake-backend", func() (llm.Driver, llm.DriverDefaults, llm.DriverCapabilities, error) {
		return &fakeEmbeddingDriver{vector: []float32{1, 0, 0}}, llm.DriverDefaults{Model: "fake-embed"}, llm.DriverCapabilities{}, nil
	}))
	return &Builder{
		Manager:           mgr,
		Documents:         store.Documents,
		MessageEmbeddings: store.MessageEmbeddings,
		Messages:          store.Messages,
		Config:            cfg,
	}
}

func TestRAGContext_EmptyWhenDisabled(t *testing.T) {
	store := memstore.New()
	builder := newTestBuilder(t, store, appconfig.RAGConfig{Enabled: false})
	conv := &convo.Conversation{ID: "c1", Backend: "fake-backend", DocumentIDs: []string{"doc-1"}}

	block, err := builder.RAGContext(context.Background(), conv, "what is the refund policy")
	require.NoError(t, err)
	assert.Empty(t, block)
}

func TestRAGContext_ReturnsFormattedBlockWhenChunksMatch(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	doc := &convo.Document{ID: "doc-1", Title: "Refund Policy", Status: convo.DocumentChunked}
	require.NoError(t, store.Documents.PutDocument(ctx, doc))
	require.NoError(t, store.Documents.PutChunks(ctx, []*convo.Chunk{
		{ID: "chunk-1", DocumentID: "doc-1", Ordinal: 0, Content: "Refunds are processed within 5 days.", Embedding: []float32{1, 0, 0}},
	}))

	cfg := appconfig.RAGConfig{Enabled: true, RetrievalStrategy: appconfig.RetrievalDense, RetrievalTopK: 5, RetrievalThreshold: 0.1, EmbeddingModel: "fake-embed"}
	builder := newTestBuilder(t, store, cfg)
	conv := &convo.Conversation{ID: "c1", Backend: "fake-backend", DocumentIDs: []string{"doc-1"}}

	block, err := builder.RAGContext(ctx, conv, "how do refunds work")
	require.NoError(t, err)
	assert.Contains(t, block, "Refund Policy")
	assert.Contains(t, block, "Refunds are processed within 5 days.")
}

func TestMemoryRecall_ReturnsEmptyWithNoStoredEmbeddings(t *testing.T) {
	store := memstore.New()
	builder := newTestBuilder(t, store, appconfig.RAGConfig{EmbeddingModel: "fake-embed"})
	conv := &convo.Conversation{ID: "c1", Backend: "fake-backend"}

	block, err := builder.MemoryRecall(context.Background(), conv, "what did we discuss earlier")
	require.NoError(t, err)
	assert.Empty(t, block)
}

func TestMemoryRecall_RanksByCosineSimilarity(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	require.NoError(t, store.Messages.Append(ctx, &convo.Message{ID: "m1", ConversationID: "c1", Position: 0, Role: convo.RoleUser, Content: "discussed pricing earlier"}))
	require.NoError(t, store.MessageEmbeddings.Put(ctx, &convo.MessageEmbedding{MessageID: "m1", ConversationID: "c1", Embedding: []float32{1, 0, 0}}))

	builder := newTestBuilder(t, store, appconfig.RAGConfig{EmbeddingModel: "fake-embed"})
	conv := &convo.Conversation{ID: "c1", Backend: "fake-backend"}

	block, err := builder.MemoryRecall(ctx, conv, "what was the pricing")
	require.NoError(t, err)
	assert.Contains(t, block, "discussed pricing earlier")
}
