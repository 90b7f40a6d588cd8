// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package webtool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nouscore/orchestrator/pkg/convo/memstore"
	"github.com/nouscore/orchestrator/pkg/llm"
	"github.com/nouscore/orchestrator/pkg/queue"
)

func TestHandler_Search_ReturnsResultsCappedAtConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(searchResponse{Results: []searchResult{
			{Title: "a", URL: "https://a"}, {Title: "b", URL: "https://b"}, {Title: "c", URL: "https://c"},
		}})
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.SearchBaseURL = server.URL
	cfg.SearchMaxCap = 2
	h := NewHandler(cfg, memstore.New().Documents, queue.NewMemQueue(10))

	res := h.Execute(context.Background(), llm.ToolCall{ID: "c1", Name: "web_search", Args: map[string]any{"query": "golang"}})
	require.True(t, res.Success, res.Error)

	var results []searchResult
	require.NoError(t, json.Unmarshal([]byte(res.Content), &results))
	assert.Len(t, results, 2)
}

func TestHandler_Search_RejectsEmptyQuery(t *testing.T) {
	h := NewHandler(DefaultConfig(), memstore.New().Documents, queue.NewMemQueue(10))
	res := h.Execute(context.Background(), llm.ToolCall{ID: "c1", Name: "web_search", Args: map[string]any{"query": ""}})
	assert.False(t, res.Success)
}

func TestHandler_Fetch_RejectsNonHTTPURL(t *testing.T) {
	h := NewHandler(DefaultConfig(), memstore.New().Documents, queue.NewMemQueue(10))
	res := h.Execute(context.Background(), llm.ToolCall{ID: "c1", Name: "web_fetch", Args: map[string]any{"url": "ftp://example.com"}})
	assert.False(t, res.Success)
}

func TestHandler_Fetch_StoresDocumentAndEnqueuesIngestion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Hi</title></head><body><article><p>Hello world, this is a readable article with enough content to be extracted by readability heuristics that look for paragraph density.</p></article></body></html>`))
	}))
	defer server.Close()

	docs := memstore.New().Documents
	q := queue.NewMemQueue(10)
	h := NewHandler(DefaultConfig(), docs, q)

	res := h.Execute(context.Background(), llm.ToolCall{ID: "c1", Name: "web_fetch", Args: map[string]any{"url": server.URL}})
	require.True(t, res.Success, res.Error)

	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content), &summary))
	docID, _ := summary["document_id"].(string)
	require.NotEmpty(t, docID)

	ctx := context.Background()
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, docID, job.Key)
}

func TestHandler_Execute_UnknownToolName(t *testing.T) {
	h := NewHandler(DefaultConfig(), memstore.New().Documents, queue.NewMemQueue(10))
	res := h.Execute(context.Background(), llm.ToolCall{ID: "c1", Name: "web_bogus"})
	assert.False(t, res.Success)
}
