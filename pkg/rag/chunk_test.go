// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func charCount(s string) int { return len(s) / 4 }

func TestSlidingWindowChunk_SingleChunkWhenUnderTarget(t *testing.T) {
	results := SlidingWindowChunk("short text here", nil, ChunkParams{TargetTokens: 100, CountTokens: charCount})
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Ordinal)
}

func TestSlidingWindowChunk_SplitsLongTextIntoMultipleChunks(t *testing.T) {
	para := strings.Repeat("word ", 50)
	text := para + "\n\n" + para + "\n\n" + para
	results := SlidingWindowChunk(text, nil, ChunkParams{TargetTokens: 20, OverlapTokens: 5, CountTokens: charCount})
	assert.Greater(t, len(results), 1)
	for i, r := range results {
		assert.Equal(t, i, r.Ordinal)
	}
}

func TestSlidingWindowChunk_AssignsSectionTitles(t *testing.T) {
	text := "# Introduction\n\nsome intro text\n\n# Methods\n\nsome methods text"
	_, sections := Normalize(text)
	require.NotEmpty(t, sections)
	results := SlidingWindowChunk(text, sections, ChunkParams{TargetTokens: 5, CountTokens: charCount})
	var sawIntro bool
	for _, r := range results {
		if r.SectionTitle == "Introduction" {
			sawIntro = true
		}
	}
	assert.True(t, sawIntro)
}
