// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nouscore/orchestrator/pkg/convo"
)

func TestSparseVector_NormalizesToMaxTermFrequency(t *testing.T) {
	vec := SparseVector("the cat sat on the mat the cat ran")
	assert.Equal(t, float32(1.0), vec["cat"])
	assert.Less(t, vec["sat"], vec["cat"])
	_, hasStopword := vec["the"]
	assert.False(t, hasStopword)
}

func TestSparseDot_ZeroForDisjointVectors(t *testing.T) {
	a := map[string]float32{"cat": 1.0}
	b := map[string]float32{"dog": 1.0}
	assert.Equal(t, float64(0), SparseDot(a, b))
}

func TestSearch_DenseRanksByCosineSimilarity(t *testing.T) {
	chunks := []*convo.Chunk{
		{ID: "a", Embedding: []float32{1, 0, 0}},
		{ID: "b", Embedding: []float32{0, 1, 0}},
	}
	results := Search(context.Background(), chunks, []float32{1, 0, 0}, "", SearchParams{Strategy: StrategyDense, TopK: 2})
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Chunk.ID)
}

func TestSearch_HybridFusesDenseAndSparseRankings(t *testing.T) {
	chunks := []*convo.Chunk{
		{ID: "a", Embedding: []float32{1, 0}, SparseTerms: map[string]float32{"apple": 1}},
		{ID: "b", Embedding: []float32{0, 1}, SparseTerms: map[string]float32{"apple": 1, "banana": 1}},
	}
	results := Search(context.Background(), chunks, []float32{1, 0}, "apple banana", SearchParams{Strategy: StrategyHybrid, TopK: 2})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Greater(t, r.Score, 0.0)
	}
}

func TestRerank_TermMatchHeuristicWithoutCrossEncoder(t *testing.T) {
	results := []Result{
		{Chunk: &convo.Chunk{ID: "a", Content: "irrelevant content about fish"}},
		{Chunk: &convo.Chunk{ID: "b", Content: "golang concurrency patterns explained"}},
	}
	reranked, err := Rerank(context.Background(), nil, "golang concurrency", results)
	require.NoError(t, err)
	assert.Equal(t, "b", reranked[0].Chunk.ID)
}
