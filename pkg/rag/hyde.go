// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/nouscore/orchestrator/pkg/llm"
)

// HyDE implements Hypothetical Document Embeddings: rather than
// embedding the query directly, it asks an LLM to write a short
// hypothetical answer document and embeds that instead, since a
// plausible answer's embedding sits closer to real relevant chunks than
// a terse question's embedding does. Grounded on the teacher's
// pkg/rag/hyde.go, adapted from the teacher's a2a.Message request shape
// to this project's llm.Driver.Execute.
//
// Paper: "Precise Zero-Shot Dense Retrieval without Relevance Labels"
// https://arxiv.org/abs/2212.10496
type HyDE struct {
	driver llm.Driver
}

// NewHyDE builds a HyDE generator bound to driver.
func NewHyDE(driver llm.Driver) *HyDE {
	return &HyDE{driver: driver}
}

// GenerateHypotheticalDocument asks the driver for a short hypothetical
// document answering query, for use as the embedding target in place of
// the raw query.
func (h *HyDE) GenerateHypotheticalDocument(ctx context.Context, query string) (string, error) {
	if h.driver == nil {
		return "", fmt.Errorf("rag: HyDE requires a driver")
	}

	prompt := fmt.Sprintf(`Write a concise, hypothetical document that would be highly relevant to answer the following query: %q

The document should:
- Be brief (1-2 paragraphs)
- Directly address the core of the query
- Sound like a real document excerpt
- Not mention that it's hypothetical

Document:`, sanitizeForPrompt(query))

	resp, err := h.driver.Execute(ctx, llm.RequestContext{
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("rag: generate hypothetical document: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("rag: driver returned an empty hypothetical document")
	}
	return resp.Content, nil
}

// sanitizeForPrompt strips the most obvious role-delimiter and
// instruction-override injection patterns from user-controlled query
// text before it's interpolated into an LLM prompt.
func sanitizeForPrompt(input string) string {
	replacer := strings.NewReplacer(
		"SYSTEM:", "", "System:", "", "system:", "",
		"ASSISTANT:", "", "Assistant:", "", "assistant:", "",
		"ignore previous instructions", "", "Ignore previous instructions", "",
		"ignore all previous", "", "Ignore all previous", "",
		"```", "",
	)
	return strings.TrimSpace(replacer.Replace(input))
}
