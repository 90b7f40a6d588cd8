// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"regexp"
	"strings"
)

// ChunkParams configures the sliding-window chunker.
type ChunkParams struct {
	TargetTokens  int
	OverlapTokens int
	CountTokens   func(string) int
}

// DefaultChunkParams mirrors the teacher's chunker defaults, expressed
// in tokens rather than characters since spec.md's chunker is
// token-budgeted.
func DefaultChunkParams(countTokens func(string) int) ChunkParams {
	return ChunkParams{TargetTokens: 256, OverlapTokens: 40, CountTokens: countTokens}
}

// ChunkResult is one sliding-window chunk, with offsets into the
// normalized text it was cut from.
type ChunkResult struct {
	Content      string
	Ordinal      int
	StartOffset  int
	EndOffset    int
	SectionTitle string
	TokenCount   int
}

var paragraphSplit = regexp.MustCompile(`\n\s*\n`)
var sentenceSplit = regexp.MustCompile(`(?:[.!?])\s+`)

// SlidingWindowChunk splits text into chunks targeting params.TargetTokens
// tokens each with params.OverlapTokens of trailing context carried into
// the next chunk. It prefers to split at paragraph boundaries, falling
// back to sentence boundaries for any paragraph that alone exceeds the
// target size, matching spec.md §4.6 step 4.
func SlidingWindowChunk(text string, sections []Section, params ChunkParams) []ChunkResult {
	if params.CountTokens == nil {
		params.CountTokens = func(s string) int { return len(s) / 4 }
	}
	if params.TargetTokens <= 0 {
		params.TargetTokens = 256
	}

	units := splitIntoUnits(text, params)

	var results []ChunkResult
	var currentUnits []textUnit
	currentTokens := 0

	flush := func() {
		if len(currentUnits) == 0 {
			return
		}
		start := currentUnits[0].start
		end := currentUnits[len(currentUnits)-1].end
		content := text[start:end]
		results = append(results, ChunkResult{
			Content:      content,
			Ordinal:      len(results),
			StartOffset:  start,
			EndOffset:    end,
			SectionTitle: SectionAt(sections, start),
			TokenCount:   currentTokens,
		})
	}

	for _, u := range units {
		if currentTokens > 0 && currentTokens+u.tokens > params.TargetTokens {
			flush()
			currentUnits, currentTokens = carryOverlap(currentUnits, params)
		}
		currentUnits = append(currentUnits, u)
		currentTokens += u.tokens
	}
	flush()

	return results
}

type textUnit struct {
	text   string
	start  int
	end    int
	tokens int
}

// splitIntoUnits splits text into paragraph-sized units, further
// splitting any paragraph whose token count alone exceeds TargetTokens
// into sentence-sized units.
func splitIntoUnits(text string, params ChunkParams) []textUnit {
	var units []textUnit
	offset := 0
	for _, para := range paragraphSplit.Split(text, -1) {
		start := strings.Index(text[offset:], para)
		if start < 0 {
			start = 0
		}
		absStart := offset + start
		absEnd := absStart + len(para)
		offset = absEnd

		tokens := params.CountTokens(para)
		if tokens <= params.TargetTokens || len(para) == 0 {
			units = append(units, textUnit{text: para, start: absStart, end: absEnd, tokens: tokens})
			continue
		}

		sentOffset := absStart
		for _, sent := range sentenceSplit.Split(para, -1) {
			sStart := strings.Index(text[sentOffset:absEnd], sent)
			if sStart < 0 {
				sStart = 0
			}
			sAbsStart := sentOffset + sStart
			sAbsEnd := sAbsStart + len(sent)
			sentOffset = sAbsEnd
			if strings.TrimSpace(sent) == "" {
				continue
			}
			units = append(units, textUnit{text: sent, start: sAbsStart, end: sAbsEnd, tokens: params.CountTokens(sent)})
		}
	}
	return units
}

// carryOverlap returns the trailing units of the just-flushed chunk
// worth up to OverlapTokens, to seed the next chunk with boundary
// context.
func carryOverlap(prevUnits []textUnit, params ChunkParams) ([]textUnit, int) {
	if params.OverlapTokens <= 0 || len(prevUnits) == 0 {
		return nil, 0
	}
	var carried []textUnit
	tokens := 0
	for i := len(prevUnits) - 1; i >= 0; i-- {
		u := prevUnits[i]
		if tokens+u.tokens > params.OverlapTokens && len(carried) > 0 {
			break
		}
		carried = append([]textUnit{u}, carried...)
		tokens += u.tokens
	}
	return carried, tokens
}
