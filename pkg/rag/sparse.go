// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// stopwords is a small general-English stopword list; sufficient to
// keep sparse vectors from being dominated by function words without
// pulling in a full NLP dependency the pack doesn't otherwise use.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "he": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"that": true, "the": true, "to": true, "was": true, "were": true, "will": true,
	"with": true, "this": true, "these": true, "those": true, "but": true, "or": true,
	"not": true, "can": true, "if": true, "then": true, "so": true, "we": true,
	"you": true, "your": true, "i": true, "they": true, "their": true,
}

// SparseVector computes a lowercased, stop-worded term-frequency vector
// normalized to max term frequency (the highest-frequency term in the
// text gets weight 1.0), per spec.md §4.6's hybrid-search sparse side.
func SparseVector(text string) map[string]float32 {
	counts := make(map[string]int)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if stopwords[tok] || len(tok) < 2 {
			continue
		}
		counts[tok]++
	}
	if len(counts) == 0 {
		return nil
	}
	max := 0
	for _, c := range counts {
		if c > max {
			max = c
		}
	}
	vec := make(map[string]float32, len(counts))
	for term, c := range counts {
		vec[term] = float32(c) / float32(max)
	}
	return vec
}

// SparseDot computes the dot product of two sparse term-frequency
// vectors, used as the sparse-leg similarity score (BM25-style scoring
// is acceptable per spec.md; this is the simpler term-overlap variant).
func SparseDot(a, b map[string]float32) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	var score float64
	for term, weight := range a {
		if other, ok := b[term]; ok {
			score += float64(weight) * float64(other)
		}
	}
	return score
}
