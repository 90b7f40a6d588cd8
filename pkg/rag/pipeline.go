// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/observability"
	"github.com/nouscore/orchestrator/pkg/queue"
)

// storeName labels the RAG metrics this pipeline reports under; every
// document ingested here lands in the same convo.DocumentStore, unlike
// the teacher's multi-backend store_name label.
const storeName = "documents"

// PipelineConfig tunes the ingestion pipeline's chunking and embedding
// behavior, sourced from appconfig.RAGConfig.
type PipelineConfig struct {
	EmbeddingModel            string
	DocumentMaxTokensPerChunk int
	ChunkOverlapTokens        int
}

// Pipeline runs the four ingestion phases (extract, clean, normalize,
// chunk) plus embedding for one document, appending a DocumentStage
// record after each phase so a crash mid-ingestion is resumable: a
// retried job re-reads the latest stage rather than re-extracting.
type Pipeline struct {
	cfg        PipelineConfig
	docs       convo.DocumentStore
	extractors *ExtractorRegistry
	embedder   Embedder
	batcher    *EmbedBatcher
	countToken func(string) int

	// Metrics is optional and nil-safe; set it after construction to
	// report ingestion counts and durations.
	Metrics *observability.Metrics
}

// NewPipeline builds a Pipeline.
func NewPipeline(cfg PipelineConfig, docs convo.DocumentStore, cache convo.EmbeddingCacheStore, embedder Embedder, countToken func(string) int) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		docs:       docs,
		extractors: NewExtractorRegistry(),
		embedder:   embedder,
		batcher:    NewEmbedBatcher(cache),
		countToken: countToken,
	}
}

// Ingest runs the document identified by documentID through every
// remaining ingestion phase, starting from whatever the latest recorded
// stage implies. On any phase failure the document is marked `failed`
// and the error returned; earlier stage records remain for inspection.
func (p *Pipeline) Ingest(ctx context.Context, documentID string, rawBody []byte) error {
	start := time.Now()
	doc, err := p.docs.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("rag: load document %s: %w", documentID, err)
	}

	stages, err := p.docs.ListStages(ctx, documentID)
	if err != nil {
		return fmt.Errorf("rag: list stages for %s: %w", documentID, err)
	}

	text, havePhase := latestStageText(stages)

	if havePhase < phaseOrder[convo.PhaseExtracted] {
		extracted, err := p.extractors.Extract(doc.MimeType, rawBody)
		if err != nil {
			p.fail(ctx, doc, err)
			return err
		}
		text = extracted.Text
		if err := p.appendStage(ctx, doc.ID, convo.PhaseExtracted, text, extracted.Warnings); err != nil {
			return err
		}
		p.setStatus(ctx, doc, convo.DocumentExtracted)
	}

	if havePhase < phaseOrder[convo.PhaseCleaned] {
		cleaned, warnings := Clean(text)
		text = cleaned
		if err := p.appendStage(ctx, doc.ID, convo.PhaseCleaned, text, warnings); err != nil {
			return err
		}
		p.setStatus(ctx, doc, convo.DocumentCleaned)
	}

	var sections []Section
	if havePhase < phaseOrder[convo.PhaseNormalized] {
		normalized, detected := Normalize(text)
		text = normalized
		sections = detected
		if err := p.appendStage(ctx, doc.ID, convo.PhaseNormalized, text, nil); err != nil {
			return err
		}
		p.setStatus(ctx, doc, convo.DocumentNormalized)
	}

	targetTokens := p.cfg.DocumentMaxTokensPerChunk
	if targetTokens <= 0 {
		targetTokens = 1000
	}
	chunkResults := SlidingWindowChunk(text, sections, ChunkParams{
		TargetTokens:  targetTokens,
		OverlapTokens: p.cfg.ChunkOverlapTokens,
		CountTokens:   p.countToken,
	})
	if err := p.appendStage(ctx, doc.ID, convo.PhaseChunked, text, nil); err != nil {
		return err
	}

	if err := p.embedAndStore(ctx, doc, chunkResults); err != nil {
		p.fail(ctx, doc, err)
		return err
	}

	p.setStatus(ctx, doc, convo.DocumentChunked)
	p.Metrics.RecordRAGDocIndexed(storeName, time.Since(start))
	return nil
}

func (p *Pipeline) embedAndStore(ctx context.Context, doc *convo.Document, results []ChunkResult) error {
	if len(results) == 0 {
		return nil
	}
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Content
	}

	vectors, err := p.batcher.EmbedBatch(ctx, p.embedder, p.cfg.EmbeddingModel, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}

	now := time.Now()
	chunks := make([]*convo.Chunk, len(results))
	for i, r := range results {
		chunks[i] = &convo.Chunk{
			ID:                   uuid.NewString(),
			DocumentID:           doc.ID,
			Ordinal:              r.Ordinal,
			Content:              r.Content,
			TokenCount:           r.TokenCount,
			StartOffset:          r.StartOffset,
			EndOffset:            r.EndOffset,
			SectionTitle:         r.SectionTitle,
			ChunkType:            "text",
			Embedding:            vectors[i],
			EmbeddingModel:       p.cfg.EmbeddingModel,
			EmbeddingGeneratedAt: &now,
			SparseTerms:          SparseVector(r.Content),
			ContentHash:          ContentHash(r.Content),
			Language:             doc.Language,
			CreatedAt:            now,
		}
	}
	return p.docs.PutChunks(ctx, chunks)
}

func (p *Pipeline) appendStage(ctx context.Context, documentID string, phase convo.DocumentPhase, text string, warnings []string) error {
	return p.docs.AppendStage(ctx, &convo.DocumentStage{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Phase:      phase,
		Text:       text,
		Warnings:   warnings,
		CreatedAt:  time.Now(),
	})
}

func (p *Pipeline) setStatus(ctx context.Context, doc *convo.Document, status convo.DocumentStatus) {
	doc.Status = status
	doc.UpdatedAt = time.Now()
	if err := p.docs.PutDocument(ctx, doc); err != nil {
		slog.Error("rag: failed to persist document status", "document_id", doc.ID, "status", status, "error", err)
	}
}

func (p *Pipeline) fail(ctx context.Context, doc *convo.Document, cause error) {
	doc.Status = convo.DocumentFailed
	doc.UpdatedAt = time.Now()
	if err := p.docs.PutDocument(ctx, doc); err != nil {
		slog.Error("rag: failed to persist document failure", "document_id", doc.ID, "error", err)
	}
	p.Metrics.RecordRAGDocError(storeName)
	slog.Error("rag: ingestion failed", "document_id", doc.ID, "cause", cause)
}

var phaseOrder = map[convo.DocumentPhase]int{
	convo.PhaseExtracted:  1,
	convo.PhaseCleaned:    2,
	convo.PhaseNormalized: 3,
	convo.PhaseChunked:    4,
}

// latestStageText returns the text recorded by the most recently
// appended stage and that stage's phase ordinal (0 if no stages exist
// yet), so Ingest can resume past whatever phases already completed.
func latestStageText(stages []*convo.DocumentStage) (string, int) {
	if len(stages) == 0 {
		return "", 0
	}
	latest := stages[len(stages)-1]
	return latest.Text, phaseOrder[latest.Phase]
}

// Worker drains a document-ingestion queue and runs Pipeline.Ingest for
// each job, mirroring the teacher's worker-pool consumption shape
// (pkg/workerpool) generalized to this project's queue.Queue.
type Worker struct {
	q        queue.Queue
	pipeline *Pipeline
	fetchRaw func(ctx context.Context, documentID string) ([]byte, error)
}

// NewWorker builds a Worker. fetchRaw resolves a document id to the raw
// bytes to (re-)extract; for web_fetch-originated documents this is a
// no-op since the extracted-phase stage is already recorded and Ingest
// skips straight past the extract phase.
func NewWorker(q queue.Queue, pipeline *Pipeline, fetchRaw func(ctx context.Context, documentID string) ([]byte, error)) *Worker {
	return &Worker{q: q, pipeline: pipeline, fetchRaw: fetchRaw}
}

// Run blocks, processing jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		job, err := w.q.Dequeue(ctx)
		if err != nil {
			return err
		}
		documentID := string(job.Payload)
		w.processOne(ctx, documentID)
		if err := w.q.Done(ctx, job.Key); err != nil {
			slog.Error("rag: failed to release dedup key", "document_id", documentID, "error", err)
		}
	}
}

func (w *Worker) processOne(ctx context.Context, documentID string) {
	var raw []byte
	if w.fetchRaw != nil {
		body, err := w.fetchRaw(ctx, documentID)
		if err != nil {
			slog.Error("rag: failed to fetch raw document body", "document_id", documentID, "error", err)
			return
		}
		raw = body
	}
	if err := w.pipeline.Ingest(ctx, documentID, raw); err != nil {
		slog.Error("rag: ingestion job failed", "document_id", documentID, "error", err)
	}
}
