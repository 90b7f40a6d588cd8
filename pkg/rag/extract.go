// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Package rag implements the four-phase ingestion pipeline (extract,
// clean, normalize, chunk), embedding with cache, and hybrid (dense +
// sparse, RRF-fused) retrieval with reranking and citation formatting.
// Grounded on the teacher's pkg/rag (chunking strategies, HyDE, query
// expansion) and pkg/databases/qdrant.go (RRF fusion arithmetic).
package rag

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Extracted is the output of an extractor: plain text plus any
// extractor-reported metadata and non-fatal warnings.
type Extracted struct {
	Text     string
	Title    string
	Warnings []string
}

// Extractor converts a raw document body into plain text.
type Extractor interface {
	Extract(body []byte) (Extracted, error)
}

// ExtractorRegistry dispatches by MIME type.
type ExtractorRegistry struct {
	byMIME map[string]Extractor
}

// NewExtractorRegistry returns a registry pre-populated with the
// plain-text/HTML and native PDF/DOCX/XLSX extractors this build
// ships; callers can Register more.
func NewExtractorRegistry() *ExtractorRegistry {
	r := &ExtractorRegistry{byMIME: make(map[string]Extractor)}
	r.Register("text/plain", PlainTextExtractor{})
	r.Register("text/html", PlainTextExtractor{}) // webtool pre-extracts HTML via readability
	r.Register("text/markdown", PlainTextExtractor{})
	r.Register("application/pdf", PDFExtractor{})
	r.Register("application/vnd.openxmlformats-officedocument.wordprocessingml.document", DocxExtractor{})
	r.Register("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", XlsxExtractor{})
	return r
}

// Register binds an Extractor to a MIME type, overwriting any existing
// binding.
func (r *ExtractorRegistry) Register(mimeType string, ext Extractor) {
	r.byMIME[mimeType] = ext
}

// Extract dispatches body to the extractor registered for mimeType.
func (r *ExtractorRegistry) Extract(mimeType string, body []byte) (Extracted, error) {
	ext, ok := r.byMIME[mimeType]
	if !ok {
		return Extracted{}, fmt.Errorf("rag: no extractor registered for mime type %q", mimeType)
	}
	return ext.Extract(body)
}

// PlainTextExtractor passes bytes through as text, coercing to valid
// UTF-8 and stripping a leading BOM.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Extract(body []byte) (Extracted, error) {
	text := string(body)
	text = strings.TrimPrefix(text, "﻿")
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	return Extracted{Text: text}, nil
}
