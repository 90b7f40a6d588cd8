// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nouscore/orchestrator/pkg/llm"
)

const (
	minQueryVariations = 1
	maxQueryVariations = 5
)

// QueryExpander generates semantically-similar variations of a query so
// retrieval can run multiple angles and merge results, improving recall
// over a single literal query. Grounded on the teacher's
// pkg/rag/query_expansion.go LLMQueryExpander.
type QueryExpander struct {
	driver llm.Driver
}

// NewQueryExpander builds a QueryExpander bound to driver.
func NewQueryExpander(driver llm.Driver) *QueryExpander {
	return &QueryExpander{driver: driver}
}

// Expand returns up to numVariations alternate phrasings of query, plus
// the original query itself as variations[0]. A numVariations below 1
// becomes 3, and one above 5 is capped at 5 to bound cost.
func (e *QueryExpander) Expand(ctx context.Context, query string, numVariations int) ([]string, error) {
	if numVariations < minQueryVariations {
		numVariations = 3
	}
	if numVariations > maxQueryVariations {
		numVariations = maxQueryVariations
	}
	if e.driver == nil {
		return []string{query}, nil
	}

	prompt := fmt.Sprintf(`Generate %d different query variations for the following search query. Each variation should:
1. Use different wording or phrasing
2. Focus on different aspects or perspectives
3. Be semantically similar but not identical
4. Be suitable for document retrieval

Original query: %s

Return only a JSON array of query strings, without any additional text or explanation.
Example format: ["query 1", "query 2", "query 3"]`, numVariations, sanitizeForPrompt(query))

	resp, err := e.driver.Execute(ctx, llm.RequestContext{
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return []string{query}, nil
	}

	variations := parseQueryArray(resp.Content)
	if len(variations) == 0 {
		return []string{query}, nil
	}
	if len(variations) > numVariations {
		variations = variations[:numVariations]
	}
	return append([]string{query}, variations...), nil
}

func parseQueryArray(raw string) []string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return nil
	}
	return out
}
