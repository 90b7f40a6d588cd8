// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/convo/memstore"
	"github.com/nouscore/orchestrator/pkg/queue"
)

func TestWorker_Run_ProcessesEnqueuedDocumentThenStops(t *testing.T) {
	store := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())

	doc := &convo.Document{ID: "doc-1", MimeType: "text/plain", Status: convo.DocumentPending, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, store.Documents.PutDocument(ctx, doc))
	require.NoError(t, store.Documents.AppendStage(ctx, &convo.DocumentStage{
		ID: "s1", DocumentID: doc.ID, Phase: convo.PhaseExtracted, Text: "already extracted text here", CreatedAt: time.Now(),
	}))

	q := queue.NewMemQueue(4)
	require.NoError(t, q.Enqueue(ctx, queue.Job{Key: doc.ID, Payload: []byte(doc.ID)}))

	pipeline := NewPipeline(PipelineConfig{EmbeddingModel: "fake-model", DocumentMaxTokensPerChunk: 20}, store.Documents, store.Embeddings, &fakeEmbedder{}, charCount)
	worker := NewWorker(q, pipeline, nil)

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	// give the worker a moment to drain the single queued job, then stop it.
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	updated, err := store.Documents.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, convo.DocumentChunked, updated.Status)
}
