// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nouscore/orchestrator/pkg/convo"
)

// Citation names one source block within a formatted context, so the
// prompt assembler can append a matching "[Source N] = document X"
// legend to its instructions.
type Citation struct {
	Index      int
	DocumentID string
}

// FormatContext renders results as numbered source blocks:
//
//	[Source 1] <doc-title → section-title> (Chunk <index>)
//	<content>
//	---
//
// per spec.md §4.6, along with the Citation list the prompt assembler
// needs to describe each [Source N] marker.
func FormatContext(results []Result, docTitles map[string]string) (string, []Citation) {
	var b strings.Builder
	citations := make([]Citation, 0, len(results))

	for i, r := range results {
		n := i + 1
		title := docTitles[r.Chunk.DocumentID]
		header := title
		if r.Chunk.SectionTitle != "" {
			header = title + " → " + r.Chunk.SectionTitle
		}
		fmt.Fprintf(&b, "[Source %d] %s (Chunk %s)\n%s\n---\n", n, header, strconv.Itoa(r.Chunk.Ordinal), r.Chunk.Content)
		citations = append(citations, Citation{Index: n, DocumentID: r.Chunk.DocumentID})
	}

	return strings.TrimRight(b.String(), "\n"), citations
}

// DocTitles resolves a title for each distinct document referenced by
// results via docs, for use as FormatContext's docTitles argument.
func DocTitles(docs map[string]*convo.Document) map[string]string {
	titles := make(map[string]string, len(docs))
	for id, d := range docs {
		if d.Title != "" {
			titles[id] = d.Title
		} else {
			titles[id] = d.SourceURI
		}
	}
	return titles
}
