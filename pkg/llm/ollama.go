// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nouscore/orchestrator/pkg/httpclient"
)

type ollamaMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Thinking   string           `json:"thinking,omitempty"`
	ToolCalls  []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaToolCall struct {
	Type     string                 `json:"type"`
	Function ollamaToolCallFunction `json:"function"`
}

type ollamaToolCallFunction struct {
	Index     int            `json:"index,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model      string          `json:"model"`
	Messages   []ollamaMessage `json:"messages"`
	Stream     bool            `json:"stream"`
	Options    *ollamaOptions  `json:"options,omitempty"`
	Tools      []ollamaTool    `json:"tools,omitempty"`
	ToolChoice string          `json:"tool_choice,omitempty"`
}

type ollamaChatResponse struct {
	Message            ollamaMessage `json:"message"`
	Done               bool          `json:"done"`
	PromptEvalCount    int           `json:"prompt_eval_count"`
	EvalCount          int           `json:"eval_count"`
	Error              string        `json:"error,omitempty"`
}

// ollamaStreamChunk is one NDJSON line: no SSE envelope, just a bare JSON
// object per line, terminated by a frame with done=true.
type ollamaStreamChunk = ollamaChatResponse

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

type ollamaShowRequest struct {
	Name string `json:"name"`
}

type ollamaShowResponse struct {
	Details    map[string]any `json:"details"`
	ModelInfo  map[string]any `json:"model_info"`
	Parameters string         `json:"parameters"`
}

type ollamaPullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

type ollamaPullProgress struct {
	Status    string `json:"status"`
	Completed int64  `json:"completed"`
	Total     int64  `json:"total"`
	Error     string `json:"error,omitempty"`
}

type ollamaDeleteRequest struct {
	Name string `json:"name"`
}

// OllamaDriver speaks Ollama's /api/chat NDJSON dialect: bare JSON lines,
// no "data: " prefix, terminated by a frame with done=true instead of a
// sentinel string.
type OllamaDriver struct {
	http    *httpclient.Client
	baseURL string
	cfg     NormalizedConfig
	tokens  *TokenCounter
}

// NewOllamaDriver builds a driver against a self-hosted Ollama instance.
// tlsConfig is optional and only matters when that instance sits behind
// an internal CA.
func NewOllamaDriver(baseURL string, timeout time.Duration, tlsConfig *httpclient.TLSConfig) *OllamaDriver {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithMaxRetries(3),
		httpclient.WithBaseDelay(2 * time.Second),
	}
	if tlsConfig != nil {
		opts = append(opts, httpclient.WithTLSConfig(tlsConfig))
	}
	client := httpclient.New(opts...)
	return &OllamaDriver{http: client, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (d *OllamaDriver) Name() string { return "ollama" }

func (d *OllamaDriver) WithConfig(cfg NormalizedConfig) Driver {
	return &OllamaDriver{http: d.http, baseURL: d.baseURL, cfg: cfg, tokens: NewTokenCounter(cfg.Model)}
}

func (d *OllamaDriver) Disconnect() error { return nil }

func (d *OllamaDriver) CountTokens(text string) int {
	if d.tokens == nil {
		return EstimateTokens(text)
	}
	return d.tokens.Count(text)
}

func (d *OllamaDriver) ContextLimit() int { return ContextLimitFor(ModelLimits{}) }

func (d *OllamaDriver) buildRequest(rc RequestContext, stream bool) ollamaChatRequest {
	req := ollamaChatRequest{Model: d.cfg.Model, Stream: stream}
	for _, m := range rc.Messages {
		req.Messages = append(req.Messages, toOllamaMessage(m))
	}
	if rc.SystemPrompt != "" {
		req.Messages = append([]ollamaMessage{{Role: "system", Content: rc.SystemPrompt}}, req.Messages...)
	}

	opts := &ollamaOptions{}
	hasOpts := false
	if d.cfg.Temperature > 0 {
		opts.Temperature = d.cfg.Temperature
		hasOpts = true
	}
	if d.cfg.MaxTokens > 0 {
		opts.NumPredict = d.cfg.MaxTokens
		hasOpts = true
	}
	if hasOpts {
		req.Options = opts
	}

	for _, t := range rc.Tools {
		req.Tools = append(req.Tools, ollamaTool{Type: "function", Function: ollamaToolFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters}})
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}
	return req
}

func toOllamaMessage(m ChatMessage) ollamaMessage {
	if m.Role == RoleTool {
		return ollamaMessage{Role: "tool", Content: m.Content, ToolName: m.Name}
	}
	out := ollamaMessage{Role: string(m.Role), Content: m.Content}
	for i, tc := range m.ToolCalls {
		args := tc.Args
		if args == nil {
			args = map[string]any{}
		}
		out.ToolCalls = append(out.ToolCalls, ollamaToolCall{Type: "function", Function: ollamaToolCallFunction{Index: i, Name: tc.Name, Arguments: args}})
	}
	return out
}

func (d *OllamaDriver) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, newDriverError(d.Name(), ErrRequestRejected, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, newDriverError(d.Name(), ErrTransportFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, classifyHTTPError(d.Name(), resp, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyHTTPError(d.Name(), resp, fmt.Errorf("ollama: status %d", resp.StatusCode))
	}
	return resp, nil
}

func (d *OllamaDriver) Execute(ctx context.Context, rc RequestContext) (*Response, error) {
	resp, err := d.postJSON(ctx, "/api/chat", d.buildRequest(rc, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, newDriverError(d.Name(), ErrRequestRejected, err)
	}
	if parsed.Error != "" {
		return nil, newDriverError(d.Name(), ErrRequestRejected, fmt.Errorf("%s", parsed.Error))
	}

	toolCalls := decodeOllamaToolCalls(parsed.Message.ToolCalls)
	return &Response{
		Content:      parsed.Message.Content,
		Thinking:     parsed.Message.Thinking,
		ToolCalls:    toolCalls,
		FinishReason: normalizeOllamaFinishReason(toolCalls),
		Usage:        TokenUsage{PromptTokens: parsed.PromptEvalCount, CompletionTokens: parsed.EvalCount},
	}, nil
}

func decodeOllamaToolCalls(raw []ollamaToolCall) []ToolCall {
	calls := make([]ToolCall, 0, len(raw))
	for i, tc := range raw {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		encoded, _ := json.Marshal(args)
		calls = append(calls, ToolCall{
			ID:      fmt.Sprintf("call_%d_%s", i, tc.Function.Name),
			Name:    tc.Function.Name,
			Args:    args,
			RawArgs: string(encoded),
		})
	}
	return calls
}

func normalizeOllamaFinishReason(toolCalls []ToolCall) FinishReason {
	if len(toolCalls) > 0 {
		return FinishToolCalls
	}
	return FinishStop
}

// StreamExecute decodes Ollama's NDJSON dialect: bare JSON objects, one
// per line, no "data: " prefix and no [DONE] sentinel — the terminal
// frame instead carries done=true alongside final token counts.
func (d *OllamaDriver) StreamExecute(ctx context.Context, rc RequestContext, sink StreamSink) (*Response, error) {
	resp, err := d.postJSON(ctx, "/api/chat", d.buildRequest(rc, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var content strings.Builder
	var thinking strings.Builder
	byIndex := make(map[int]*ollamaToolCallFunction)
	var order []int
	var usage TokenUsage

	reader := bufio.NewReader(resp.Body)
	for {
		line, rerr := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var chunk ollamaStreamChunk
			if jerr := json.Unmarshal(line, &chunk); jerr == nil {
				if chunk.Error != "" {
					return nil, newDriverError(d.Name(), ErrRequestRejected, fmt.Errorf("%s", chunk.Error))
				}
				if chunk.Message.Content != "" {
					content.WriteString(chunk.Message.Content)
					if sink != nil {
						sink(chunk.Message.Content, ChunkContent)
					}
				}
				if chunk.Message.Thinking != "" {
					thinking.WriteString(chunk.Message.Thinking)
					if sink != nil {
						sink(chunk.Message.Thinking, ChunkThinking)
					}
				}
				for _, tc := range chunk.Message.ToolCalls {
					idx := tc.Function.Index
					if existing, ok := byIndex[idx]; ok {
						for k, v := range tc.Function.Arguments {
							existing.Arguments[k] = v
						}
					} else {
						fn := tc.Function
						if fn.Arguments == nil {
							fn.Arguments = map[string]any{}
						}
						byIndex[idx] = &fn
						order = append(order, idx)
					}
				}
				if chunk.Done {
					usage = TokenUsage{PromptTokens: chunk.PromptEvalCount, CompletionTokens: chunk.EvalCount}
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return nil, newDriverError(d.Name(), ErrTransportFailure, rerr)
		}
		select {
		case <-ctx.Done():
			return nil, newDriverError(d.Name(), ErrTransportFailure, ctx.Err())
		default:
		}
	}

	toolCalls := make([]ToolCall, 0, len(order))
	for _, idx := range order {
		fn := byIndex[idx]
		encoded, _ := json.Marshal(fn.Arguments)
		toolCalls = append(toolCalls, ToolCall{
			ID:      fmt.Sprintf("call_%d_%s", idx, fn.Name),
			Name:    fn.Name,
			Args:    fn.Arguments,
			RawArgs: string(encoded),
		})
	}

	return &Response{
		Content:      content.String(),
		Thinking:     thinking.String(),
		ToolCalls:    toolCalls,
		FinishReason: normalizeOllamaFinishReason(toolCalls),
		Usage:        usage,
	}, nil
}

// Ollama's llama runner aborts on concurrent embedding requests against
// the same model; serialize them the way the teacher's embedder does.
var ollamaEmbedMu = &ollamaEmbedSerializer{ch: make(chan struct{}, 1)}

type ollamaEmbedSerializer struct{ ch chan struct{} }

func (s *ollamaEmbedSerializer) lock() {
	if s.ch == nil {
		s.ch = make(chan struct{}, 1)
	}
	s.ch <- struct{}{}
}

func (s *ollamaEmbedSerializer) unlock() { <-s.ch }

func (d *OllamaDriver) SupportsEmbeddings() bool { return true }

func (d *OllamaDriver) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	ollamaEmbedMu.lock()
	defer ollamaEmbedMu.unlock()

	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		resp, err := d.postJSON(ctx, "/api/embeddings", ollamaEmbedRequest{Model: model, Prompt: text})
		if err != nil {
			return nil, err
		}
		var parsed ollamaEmbedResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, newDriverError(d.Name(), ErrRequestRejected, decodeErr)
		}
		if len(parsed.Embedding) == 0 {
			return nil, newDriverError(d.Name(), ErrProviderUnavailable, fmt.Errorf("ollama: empty embedding for model %s", model))
		}
		out = append(out, parsed.Embedding)
	}
	return out, nil
}

// EmbeddingDimensions covers the common embedding models Ollama serves;
// unknown models return 0 and the caller measures the first response.
func (d *OllamaDriver) EmbeddingDimensions(model string) int {
	switch model {
	case "nomic-embed-text", "nomic-embed-text-v2":
		return 768
	case "all-minilm:l6-v2":
		return 384
	case "bge-large-en-v1.5":
		return 1024
	case "bge-small-en-v1.5":
		return 384
	default:
		return 0
	}
}

func (d *OllamaDriver) SupportsModelManagement() bool { return true }

func (d *OllamaDriver) PullModel(ctx context.Context, name string, progress ProgressSink) error {
	resp, err := d.postJSON(ctx, "/api/pull", ollamaPullRequest{Name: name, Stream: true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, rerr := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var p ollamaPullProgress
			if jerr := json.Unmarshal(line, &p); jerr == nil {
				if p.Error != "" {
					return newDriverError(d.Name(), ErrRequestRejected, fmt.Errorf("%s", p.Error))
				}
				if progress != nil {
					progress(p.Status, p.Completed, p.Total)
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return newDriverError(d.Name(), ErrTransportFailure, rerr)
		}
	}
}

func (d *OllamaDriver) DeleteModel(ctx context.Context, name string) error {
	encoded, err := json.Marshal(ollamaDeleteRequest{Name: name})
	if err != nil {
		return newDriverError(d.Name(), ErrRequestRejected, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.baseURL+"/api/delete", bytes.NewReader(encoded))
	if err != nil {
		return newDriverError(d.Name(), ErrTransportFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.http.Do(req)
	if err != nil {
		return classifyHTTPError(d.Name(), resp, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyHTTPError(d.Name(), resp, fmt.Errorf("ollama: status %d", resp.StatusCode))
	}
	return nil
}

func (d *OllamaDriver) ShowModel(ctx context.Context, name string) (ModelInfo, error) {
	resp, err := d.postJSON(ctx, "/api/show", ollamaShowRequest{Name: name})
	if err != nil {
		return ModelInfo{}, err
	}
	defer resp.Body.Close()

	var parsed ollamaShowResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ModelInfo{}, newDriverError(d.Name(), ErrRequestRejected, err)
	}
	details := parsed.Details
	if details == nil {
		details = map[string]any{}
	}
	details["parameters"] = parsed.Parameters
	return ModelInfo{Name: name, ContextLimit: d.ContextLimit(), Details: details}, nil
}

func (d *OllamaDriver) ListModels(ctx context.Context, detailed bool) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, newDriverError(d.Name(), ErrTransportFailure, err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, classifyHTTPError(d.Name(), resp, err)
	}
	defer resp.Body.Close()

	var parsed ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, newDriverError(d.Name(), ErrRequestRejected, err)
	}

	out := make([]ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		info := ModelInfo{Name: m.Name}
		if detailed {
			shown, err := d.ShowModel(ctx, m.Name)
			if err == nil {
				info = shown
			}
		}
		out = append(out, info)
	}
	return out, nil
}
