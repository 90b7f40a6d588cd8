// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webtool implements the web_search and web_fetch server tools,
// grounded on the teacher's pkg/tool/webtool request shape (size caps,
// httpclient.Client reuse; no domain allow/deny lists) and enriched
// with go-readability HTML-to-text extraction for web_fetch.
package webtool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/google/uuid"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/httpclient"
	"github.com/nouscore/orchestrator/pkg/llm"
	"github.com/nouscore/orchestrator/pkg/queue"
	"github.com/nouscore/orchestrator/pkg/tool"
)

// Config configures both web_search dialing and web_fetch limits.
type Config struct {
	SearchAPIKey   string
	SearchBaseURL  string
	SearchMaxCap   int // hard ceiling on a query's max_results, regardless of caller request
	FetchTimeout   time.Duration
	MaxFetchBytes  int64
	UserAgent      string
}

// DefaultConfig mirrors the teacher's hardened webtool defaults.
func DefaultConfig() Config {
	return Config{
		SearchBaseURL: "https://api.tavily.com/search",
		SearchMaxCap:  10,
		FetchTimeout:  20 * time.Second,
		MaxFetchBytes: 8 * 1024 * 1024,
		UserAgent:     "orchestrator-webtool/1.0",
	}
}

// Handler serves web_search and web_fetch.
type Handler struct {
	cfg      Config
	http     *httpclient.Client
	docs     convo.DocumentStore
	ingestQ  queue.Queue
}

// NewHandler builds a webtool Handler. ingestQ receives a chunk+embed
// job keyed by the new document's ID after web_fetch stores its page.
func NewHandler(cfg Config, docs convo.DocumentStore, ingestQ queue.Queue) *Handler {
	client := httpclient.New(httpclient.WithHTTPClient(&http.Client{Timeout: cfg.FetchTimeout}))
	return &Handler{cfg: cfg, http: client, docs: docs, ingestQ: ingestQ}
}

func (h *Handler) Prefixes() []string { return []string{"web_"} }

type webSearchArgs struct {
	Query      string `json:"query" jsonschema:"required"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"minimum=1"`
}

type webFetchArgs struct {
	URL string `json:"url" jsonschema:"required"`
}

func (h *Handler) Schemas() []llm.ToolSchema {
	return []llm.ToolSchema{
		{
			Name:        "web_search",
			Description: "Search the web and return a ranked list of results (title, url, snippet).",
			Parameters:  tool.GenerateSchema[webSearchArgs](),
		},
		{
			Name:        "web_fetch",
			Description: "Fetch a URL, extract its readable text content, and index it for retrieval.",
			Parameters:  tool.GenerateSchema[webFetchArgs](),
		},
	}
}

func (h *Handler) Execute(ctx context.Context, call llm.ToolCall) tool.Result {
	switch call.Name {
	case "web_search":
		return h.search(ctx, call)
	case "web_fetch":
		return h.fetch(ctx, call)
	default:
		return tool.Result{ToolCallID: call.ID, Success: false, Error: "unknown web tool: " + call.Name}
	}
}

type searchRequest struct {
	APIKey     string `json:"api_key,omitempty"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

func (h *Handler) search(ctx context.Context, call llm.ToolCall) tool.Result {
	query, _ := call.Args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return fail(call.ID, "query is required")
	}

	maxResults := h.cfg.SearchMaxCap
	if raw, ok := call.Args["max_results"].(float64); ok && int(raw) > 0 && int(raw) < maxResults {
		maxResults = int(raw)
	}

	reqBody, err := json.Marshal(searchRequest{APIKey: h.cfg.SearchAPIKey, Query: query, MaxResults: maxResults})
	if err != nil {
		return fail(call.ID, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.SearchBaseURL, bytes.NewReader(reqBody))
	if err != nil {
		return fail(call.ID, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return fail(call.ID, fmt.Sprintf("search request failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(call.ID, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(call.ID, fmt.Sprintf("search API returned status %d: %s", resp.StatusCode, truncate(string(body), 300)))
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fail(call.ID, fmt.Sprintf("decode search response: %v", err))
	}

	if len(parsed.Results) > maxResults {
		parsed.Results = parsed.Results[:maxResults]
	}

	encoded, err := json.Marshal(parsed.Results)
	if err != nil {
		return fail(call.ID, err.Error())
	}
	return tool.Result{ToolCallID: call.ID, Success: true, Content: string(encoded)}
}

func (h *Handler) fetch(ctx context.Context, call llm.ToolCall) tool.Result {
	rawURL, _ := call.Args["url"].(string)
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fail(call.ID, "url must be an absolute http(s) URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fail(call.ID, err.Error())
	}
	req.Header.Set("User-Agent", h.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := h.http.Do(req)
	if err != nil {
		return fail(call.ID, fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, h.cfg.MaxFetchBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return fail(call.ID, err.Error())
	}
	if int64(len(body)) > h.cfg.MaxFetchBytes {
		return fail(call.ID, fmt.Sprintf("response exceeds %d bytes", h.cfg.MaxFetchBytes))
	}

	title, text := extractReadableText(body, parsed)
	if strings.TrimSpace(text) == "" {
		return fail(call.ID, "no extractable text content at url")
	}

	doc := &convo.Document{
		ID:        uuid.NewString(),
		SourceURI: rawURL,
		MimeType:  "text/html",
		Title:     title,
		Status:    convo.DocumentPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := h.docs.PutDocument(ctx, doc); err != nil {
		return fail(call.ID, fmt.Sprintf("store document: %v", err))
	}
	stage := &convo.DocumentStage{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		Phase:      convo.PhaseExtracted,
		Text:       text,
		CreatedAt:  time.Now(),
	}
	if err := h.docs.AppendStage(ctx, stage); err != nil {
		return fail(call.ID, fmt.Sprintf("store extracted stage: %v", err))
	}

	if h.ingestQ != nil {
		if err := h.ingestQ.Enqueue(ctx, queue.Job{Key: doc.ID, Payload: []byte(doc.ID)}); err != nil && err != queue.ErrAlreadyQueued {
			return fail(call.ID, fmt.Sprintf("enqueue ingestion: %v", err))
		}
	}

	summary := map[string]any{
		"document_id": doc.ID,
		"url":         rawURL,
		"title":       title,
		"text_length": len(text),
	}
	encoded, err := json.Marshal(summary)
	if err != nil {
		return fail(call.ID, err.Error())
	}
	return tool.Result{ToolCallID: call.ID, Success: true, Content: string(encoded)}
}

func extractReadableText(htmlBody []byte, base *url.URL) (title, text string) {
	article, err := readability.FromReader(bytes.NewReader(htmlBody), base)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		return "", ""
	}
	return strings.TrimSpace(article.Title), strings.TrimSpace(article.TextContent)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func fail(callID, msg string) tool.Result {
	return tool.Result{ToolCallID: callID, Success: false, Error: msg}
}
