// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"context"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/nouscore/orchestrator/pkg/convo"
)

// Strategy names a retrieval mode.
type Strategy string

const (
	StrategyDense  Strategy = "dense"
	StrategySparse Strategy = "sparse"
	StrategyHybrid Strategy = "hybrid"
)

// rrfK is the Reciprocal Rank Fusion constant, lifted from the pack's
// qdrant.go reciprocalRankFusion (the standard value used there).
const rrfK = 60

// Result is one scored chunk returned by Search.
type Result struct {
	Chunk *convo.Chunk
	Score float64
}

// SearchParams configures one retrieval call.
type SearchParams struct {
	Strategy  Strategy
	TopK      int
	Threshold float64 // dense-only: minimum cosine similarity to keep a result
}

// Search runs dense and/or sparse retrieval over chunks and, for hybrid,
// fuses the two ranked lists with Reciprocal Rank Fusion:
// score(c) = Σ_strategy 1/(rank_strategy(c) + rrfK), per spec.md §4.6.
func Search(ctx context.Context, chunks []*convo.Chunk, queryVector []float32, queryText string, params SearchParams) []Result {
	if params.TopK <= 0 {
		params.TopK = 10
	}

	switch params.Strategy {
	case StrategySparse:
		return sparseSearch(chunks, queryText, params.TopK)
	case StrategyHybrid:
		var dense, sparse []Result
		g, _ := errgroup.WithContext(ctx)
		g.Go(func() error {
			dense = denseSearch(chunks, queryVector, 0, params.TopK*2)
			return nil
		})
		g.Go(func() error {
			sparse = sparseSearch(chunks, queryText, params.TopK*2)
			return nil
		})
		_ = g.Wait() // both legs are pure/error-free; Wait only barriers completion
		return fuseRRF(dense, sparse, params.TopK)
	default: // StrategyDense
		return denseSearch(chunks, queryVector, params.Threshold, params.TopK)
	}
}

func denseSearch(chunks []*convo.Chunk, queryVector []float32, threshold float64, topK int) []Result {
	results := make([]Result, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		score := cosineSimilarity(queryVector, c.Embedding)
		if score < threshold {
			continue
		}
		results = append(results, Result{Chunk: c, Score: score})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

func sparseSearch(chunks []*convo.Chunk, queryText string, topK int) []Result {
	queryVec := SparseVector(queryText)
	results := make([]Result, 0, len(chunks))
	for _, c := range chunks {
		if len(c.SparseTerms) == 0 {
			continue
		}
		score := SparseDot(queryVec, c.SparseTerms)
		if score <= 0 {
			continue
		}
		results = append(results, Result{Chunk: c, Score: score})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// fuseRRF combines two ranked result lists by Reciprocal Rank Fusion
// and returns the top topK by fused score.
func fuseRRF(dense, sparse []Result, topK int) []Result {
	byID := make(map[string]*convo.Chunk)
	fused := make(map[string]float64)

	for rank, r := range dense {
		fused[r.Chunk.ID] += 1.0 / float64(rrfK+rank+1)
		byID[r.Chunk.ID] = r.Chunk
	}
	for rank, r := range sparse {
		fused[r.Chunk.ID] += 1.0 / float64(rrfK+rank+1)
		byID[r.Chunk.ID] = r.Chunk
	}

	results := make([]Result, 0, len(fused))
	for id, score := range fused {
		results = append(results, Result{Chunk: byID[id], Score: score})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results
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
