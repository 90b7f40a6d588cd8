// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"context"
	"sort"
	"strings"
)

// CrossEncoder re-scores a query against a set of candidate texts with
// a dedicated relevance model. No driver in this build implements one;
// Rerank falls back to the term-match heuristic whenever encoder is nil,
// matching spec.md §4.6's "cross-encoder or a term-match heuristic if no
// cross-encoder is available".
type CrossEncoder interface {
	Score(ctx context.Context, query string, candidates []string) ([]float64, error)
}

// Rerank re-scores results against query, replacing each Result's Score.
// If encoder is non-nil it's used directly; otherwise a term-overlap
// heuristic (fraction of query terms present in the chunk, case-folded)
// stands in.
func Rerank(ctx context.Context, encoder CrossEncoder, query string, results []Result) ([]Result, error) {
	if len(results) == 0 {
		return results, nil
	}

	if encoder != nil {
		texts := make([]string, len(results))
		for i, r := range results {
			texts[i] = r.Chunk.Content
		}
		scores, err := encoder.Score(ctx, query, texts)
		if err != nil {
			return nil, err
		}
		for i := range results {
			results[i].Score = scores[i]
		}
	} else {
		queryTerms := tokenPattern.FindAllString(strings.ToLower(query), -1)
		for i := range results {
			results[i].Score = termMatchScore(queryTerms, results[i].Chunk.Content)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

func termMatchScore(queryTerms []string, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	contentLower := strings.ToLower(content)
	matches := 0
	for _, term := range queryTerms {
		if strings.Contains(contentLower, term) {
			matches++
		}
	}
	return float64(matches) / float64(len(queryTerms))
}
