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

// openAIChatRequest is the wire shape of a chat-completions call,
// grounded on the teacher's Responses API request builder but targeting
// the plainer chat/completions dialect this module's spec standardizes
// on for OpenAI-compatible backends (LM Studio, vLLM, OpenRouter, ...
// all speak this dialect; fewer do the Responses API).
type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	Tools       []openAIChatTool    `json:"tools,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	TopP        *float64            `json:"top_p,omitempty"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

type openAIChatMessage struct {
	Role       string               `json:"role"`
	Content    string               `json:"content,omitempty"`
	Name       string               `json:"name,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIChatToolCall `json:"tool_calls,omitempty"`
}

type openAIChatTool struct {
	Type     string             `json:"type"`
	Function openAIChatFunction `json:"function"`
}

type openAIChatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIChatToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message      openAIChatMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIChatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string               `json:"content"`
			ToolCalls []openAIChatToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// OpenAIDriver speaks the OpenAI-compatible chat/completions dialect
// shared by OpenAI itself and most self-hosted gateways.
type OpenAIDriver struct {
	http    *httpclient.Client
	baseURL string
	apiKey  string
	cfg     NormalizedConfig
	tokens  *TokenCounter
}

// NewOpenAIDriver returns an unconfigured driver; call WithConfig before
// use. tlsConfig is optional and only matters for self-hosted gateways
// behind an internal CA.
func NewOpenAIDriver(baseURL, apiKey string, timeout time.Duration, tlsConfig *httpclient.TLSConfig) *OpenAIDriver {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	}
	if tlsConfig != nil {
		opts = append(opts, httpclient.WithTLSConfig(tlsConfig))
	}
	client := httpclient.New(opts...)
	return &OpenAIDriver{http: client, baseURL: strings.TrimSuffix(baseURL, "/"), apiKey: apiKey}
}

func (d *OpenAIDriver) Name() string { return "openai" }

func (d *OpenAIDriver) WithConfig(cfg NormalizedConfig) Driver {
	return &OpenAIDriver{http: d.http, baseURL: d.baseURL, apiKey: d.apiKey, cfg: cfg, tokens: NewTokenCounter(cfg.Model)}
}

func (d *OpenAIDriver) Disconnect() error { return nil }

func (d *OpenAIDriver) CountTokens(text string) int {
	if d.tokens == nil {
		return EstimateTokens(text)
	}
	return d.tokens.Count(text)
}
func (d *OpenAIDriver) ContextLimit() int { return ContextLimitFor(ModelLimits{}) }

func (d *OpenAIDriver) buildRequest(rc RequestContext, stream bool) openAIChatRequest {
	req := openAIChatRequest{
		Model:       d.cfg.Model,
		Temperature: &d.cfg.Temperature,
		TopP:        d.cfg.TopP,
		Stream:      stream,
	}
	if d.cfg.MaxTokens > 0 {
		mt := d.cfg.MaxTokens
		req.MaxTokens = &mt
	}

	if rc.SystemPrompt != "" {
		req.Messages = append(req.Messages, openAIChatMessage{Role: "system", Content: rc.SystemPrompt})
	}
	for _, m := range rc.Messages {
		req.Messages = append(req.Messages, toOpenAIMessage(m))
	}
	for _, t := range rc.Tools {
		req.Tools = append(req.Tools, openAIChatTool{
			Type: "function",
			Function: openAIChatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return req
}

func toOpenAIMessage(m ChatMessage) openAIChatMessage {
	out := openAIChatMessage{Role: string(m.Role), Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
	for i, tc := range m.ToolCalls {
		call := openAIChatToolCall{Index: i, ID: tc.ID, Type: "function"}
		call.Function.Name = tc.Name
		call.Function.Arguments = tc.RawArgs
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out
}

func (d *OpenAIDriver) do(ctx context.Context, body openAIChatRequest) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, newDriverError(d.Name(), ErrRequestRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return nil, newDriverError(d.Name(), ErrTransportFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, classifyHTTPError(d.Name(), resp, err)
	}
	return resp, nil
}

// classifyHTTPError maps a transport/response failure to the taxonomy in
// the error handling design: connection-level errors are
// TransportFailure, 401/403 are AuthFailed, other 4xx are
// RequestRejected, 5xx are ProviderUnavailable.
func classifyHTTPError(driver string, resp *http.Response, err error) error {
	if resp == nil {
		return newDriverError(driver, ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	msg := extractErrorMessage(body)
	cause := fmt.Errorf("%s", msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return newDriverError(driver, ErrAuthFailed, cause)
	case resp.StatusCode >= 500:
		return newDriverError(driver, ErrProviderUnavailable, cause)
	case resp.StatusCode >= 400:
		return newDriverError(driver, ErrRequestRejected, cause)
	default:
		return newDriverError(driver, ErrTransportFailure, err)
	}
}

func extractErrorMessage(body []byte) string {
	var e openAIErrorBody
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	if len(body) > 500 {
		body = body[:500]
	}
	return string(body)
}

func (d *OpenAIDriver) Execute(ctx context.Context, rc RequestContext) (*Response, error) {
	resp, err := d.do(ctx, d.buildRequest(rc, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, newDriverError(d.Name(), ErrRequestRejected, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, newDriverError(d.Name(), ErrRequestRejected, fmt.Errorf("no choices in response"))
	}

	choice := parsed.Choices[0]
	toolCalls := decodeOpenAIToolCalls(choice.Message.ToolCalls)
	return &Response{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: normalizeOpenAIFinishReason(choice.FinishReason, toolCalls),
		Usage:        TokenUsage{PromptTokens: parsed.Usage.PromptTokens, CompletionTokens: parsed.Usage.CompletionTokens},
	}, nil
}

func decodeOpenAIToolCalls(raw []openAIChatToolCall) []ToolCall {
	calls := make([]ToolCall, 0, len(raw))
	for _, tc := range raw {
		calls = append(calls, ToolCall{
			ID:      tc.ID,
			Name:    tc.Function.Name,
			Args:    decodeArgs(tc.Function.Arguments),
			RawArgs: tc.Function.Arguments,
		})
	}
	return calls
}

func decodeArgs(raw string) map[string]any {
	args := make(map[string]any)
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

func normalizeOpenAIFinishReason(reason string, toolCalls []ToolCall) FinishReason {
	if len(toolCalls) > 0 {
		return FinishToolCalls
	}
	switch reason {
	case "length":
		return FinishLength
	case "tool_calls":
		return FinishToolCalls
	default:
		return FinishStop
	}
}

// StreamExecute implements the OpenAI-compatible SSE decode rule:
// accumulate delta.content as content chunks, merge delta.tool_calls by
// index (concatenating function.arguments across frames), and finish
// on finish_reason or the literal "[DONE]" sentinel.
func (d *OpenAIDriver) StreamExecute(ctx context.Context, rc RequestContext, sink StreamSink) (*Response, error) {
	resp, err := d.do(ctx, d.buildRequest(rc, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var content strings.Builder
	toolCallsByIndex := make(map[int]*openAIChatToolCall)
	var order []int
	var usage TokenUsage
	var finishReason string

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimSpace(line)
			if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
				if string(data) == "[DONE]" {
					break
				}
				var chunk openAIChatStreamChunk
				if jerr := json.Unmarshal(data, &chunk); jerr == nil {
					applyOpenAIStreamChunk(chunk, &content, toolCallsByIndex, &order, sink)
					if chunk.Usage != nil {
						usage = TokenUsage{PromptTokens: chunk.Usage.PromptTokens, CompletionTokens: chunk.Usage.CompletionTokens}
					}
					if len(chunk.Choices) > 0 && chunk.Choices[0].FinishReason != "" {
						finishReason = chunk.Choices[0].FinishReason
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, newDriverError(d.Name(), ErrTransportFailure, err)
		}
		select {
		case <-ctx.Done():
			return nil, newDriverError(d.Name(), ErrTransportFailure, ctx.Err())
		default:
		}
	}

	toolCalls := make([]ToolCall, 0, len(order))
	for _, idx := range order {
		tc := toolCallsByIndex[idx]
		toolCalls = append(toolCalls, ToolCall{
			ID:      tc.ID,
			Name:    tc.Function.Name,
			Args:    decodeArgs(tc.Function.Arguments),
			RawArgs: tc.Function.Arguments,
		})
	}

	return &Response{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		FinishReason: normalizeOpenAIFinishReason(finishReason, toolCalls),
		Usage:        usage,
	}, nil
}

func applyOpenAIStreamChunk(chunk openAIChatStreamChunk, content *strings.Builder, byIndex map[int]*openAIChatToolCall, order *[]int, sink StreamSink) {
	if len(chunk.Choices) == 0 {
		return
	}
	delta := chunk.Choices[0].Delta
	if delta.Content != "" {
		content.WriteString(delta.Content)
		if sink != nil {
			sink(delta.Content, ChunkContent)
		}
	}
	for _, tc := range delta.ToolCalls {
		existing, ok := byIndex[tc.Index]
		if !ok {
			copied := tc
			byIndex[tc.Index] = &copied
			*order = append(*order, tc.Index)
			continue
		}
		existing.Function.Arguments += tc.Function.Arguments
		if tc.ID != "" {
			existing.ID = tc.ID
		}
		if tc.Function.Name != "" {
			existing.Function.Name = tc.Function.Name
		}
	}
}

func (d *OpenAIDriver) SupportsEmbeddings() bool { return true }

func (d *OpenAIDriver) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if model == "" {
		model = "text-embedding-3-small"
	}
	body := struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: model, Input: texts}

	encoded, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/embeddings", bytes.NewReader(encoded))
	if err != nil {
		return nil, newDriverError(d.Name(), ErrTransportFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, classifyHTTPError(d.Name(), resp, err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, newDriverError(d.Name(), ErrRequestRejected, err)
	}

	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (d *OpenAIDriver) EmbeddingDimensions(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

func (d *OpenAIDriver) SupportsModelManagement() bool { return false }
func (d *OpenAIDriver) PullModel(ctx context.Context, name string, progress ProgressSink) error {
	return fmt.Errorf("openai: model management not supported")
}
func (d *OpenAIDriver) DeleteModel(ctx context.Context, name string) error {
	return fmt.Errorf("openai: model management not supported")
}
func (d *OpenAIDriver) ShowModel(ctx context.Context, name string) (ModelInfo, error) {
	return ModelInfo{}, fmt.Errorf("openai: model management not supported")
}

func (d *OpenAIDriver) ListModels(ctx context.Context, detailed bool) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/models", nil)
	if err != nil {
		return nil, newDriverError(d.Name(), ErrTransportFailure, err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, classifyHTTPError(d.Name(), resp, err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, newDriverError(d.Name(), ErrRequestRejected, err)
	}

	models := make([]ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, ModelInfo{Name: m.ID})
	}
	return models, nil
}
