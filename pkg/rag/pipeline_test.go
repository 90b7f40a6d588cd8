// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/convo/memstore"
)

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1, 0}
	}
	return out, nil
}

func TestPipeline_Ingest_ProducesChunksWithEmbeddings(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	doc := &convo.Document{ID: "doc-1", MimeType: "text/plain", Status: convo.DocumentPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Documents.PutDocument(ctx, doc))

	emb := &fakeEmbedder{}
	pipeline := NewPipeline(PipelineConfig{EmbeddingModel: "fake-model", DocumentMaxTokensPerChunk: 20}, store.Documents, store.Embeddings, emb, charCount)

	body := []byte("Introduction\n\nThis is the first paragraph of the document under test.\n\nThis is a second paragraph with different content entirely.")
	require.NoError(t, pipeline.Ingest(ctx, doc.ID, body))

	updated, err := store.Documents.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, convo.DocumentChunked, updated.Status)

	chunks, err := store.Documents.ListChunks(ctx, doc.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.NotEmpty(t, c.Embedding)
		assert.NotEmpty(t, c.ContentHash)
	}

	stages, err := store.Documents.ListStages(ctx, doc.ID)
	require.NoError(t, err)
	var phases []convo.DocumentPhase
	for _, s := range stages {
		phases = append(phases, s.Phase)
	}
	assert.Contains(t, phases, convo.PhaseExtracted)
	assert.Contains(t, phases, convo.PhaseCleaned)
	assert.Contains(t, phases, convo.PhaseNormalized)
	assert.Contains(t, phases, convo.PhaseChunked)
}

func TestPipeline_Ingest_MarksDocumentFailedOnExtractError(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	doc := &convo.Document{ID: "doc-2", MimeType: "application/unsupported", Status: convo.DocumentPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Documents.PutDocument(ctx, doc))

	pipeline := NewPipeline(PipelineConfig{EmbeddingModel: "fake-model"}, store.Documents, store.Embeddings, &fakeEmbedder{}, charCount)
	err := pipeline.Ingest(ctx, doc.ID, []byte("data"))
	require.Error(t, err)

	updated, getErr := store.Documents.GetDocument(ctx, doc.ID)
	require.NoError(t, getErr)
	assert.Equal(t, convo.DocumentFailed, updated.Status)
}
