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

// anthropicMessage and anthropicContent mirror the teacher's
// AnthropicMessage/AnthropicContent wire shapes.
type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string         `json:"type"` // text | tool_use | tool_result
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicStreamEvent covers every typed SSE event this dialect emits:
// message_start, content_block_start/delta/stop, message_delta, message_stop.
type anthropicStreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index"`
	Delta        *anthropicDelta   `json:"delta,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage   `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"` // text_delta | thinking_delta | input_json_delta
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// AnthropicDriver speaks Claude's Messages API, including its typed SSE
// streaming grammar (distinct from the OpenAI-style single-shape delta).
type AnthropicDriver struct {
	http    *httpclient.Client
	baseURL string
	apiKey  string
	cfg     NormalizedConfig
	tokens  *TokenCounter
}

const anthropicAPIVersion = "2023-06-01"

// NewAnthropicDriver returns an unconfigured driver; call WithConfig
// before use. tlsConfig is optional and only matters for self-hosted
// gateways behind an internal CA.
func NewAnthropicDriver(baseURL, apiKey string, timeout time.Duration, tlsConfig *httpclient.TLSConfig) *AnthropicDriver {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
	}
	if tlsConfig != nil {
		opts = append(opts, httpclient.WithTLSConfig(tlsConfig))
	}
	client := httpclient.New(opts...)
	return &AnthropicDriver{http: client, baseURL: strings.TrimSuffix(baseURL, "/"), apiKey: apiKey}
}

func (d *AnthropicDriver) Name() string { return "anthropic" }

func (d *AnthropicDriver) WithConfig(cfg NormalizedConfig) Driver {
	return &AnthropicDriver{http: d.http, baseURL: d.baseURL, apiKey: d.apiKey, cfg: cfg, tokens: NewTokenCounter(cfg.Model)}
}

func (d *AnthropicDriver) Disconnect() error { return nil }

func (d *AnthropicDriver) CountTokens(text string) int {
	if d.tokens == nil {
		return EstimateTokens(text)
	}
	return d.tokens.Count(text)
}

func (d *AnthropicDriver) ContextLimit() int { return ContextLimitFor(ModelLimits{}) }

func (d *AnthropicDriver) buildRequest(rc RequestContext, stream bool) anthropicRequest {
	req := anthropicRequest{
		Model:       d.cfg.Model,
		MaxTokens:   d.cfg.MaxTokens,
		Temperature: d.cfg.Temperature,
		Stream:      stream,
		System:      rc.SystemPrompt,
	}
	for _, m := range rc.Messages {
		if m.Role == RoleSystem {
			continue // folded into req.System
		}
		req.Messages = append(req.Messages, toAnthropicMessage(m))
	}
	for _, t := range rc.Tools {
		req.Tools = append(req.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}
	return req
}

func toAnthropicMessage(m ChatMessage) anthropicMessage {
	role := string(m.Role)
	if m.Role == RoleTool {
		// Anthropic has no "tool" role: tool results ride inside a user
		// message as a tool_result content block.
		return anthropicMessage{
			Role: "user",
			Content: []anthropicContent{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}},
		}
	}

	var blocks []anthropicContent
	if m.Content != "" {
		blocks = append(blocks, anthropicContent{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, anthropicContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Args})
	}
	return anthropicMessage{Role: role, Content: blocks}
}

func (d *AnthropicDriver) do(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, newDriverError(d.Name(), ErrRequestRejected, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/messages", bytes.NewReader(encoded))
	if err != nil {
		return nil, newDriverError(d.Name(), ErrTransportFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", d.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, classifyHTTPError(d.Name(), resp, err)
	}
	return resp, nil
}

func (d *AnthropicDriver) Execute(ctx context.Context, rc RequestContext) (*Response, error) {
	resp, err := d.do(ctx, d.buildRequest(rc, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, newDriverError(d.Name(), ErrRequestRejected, err)
	}
	if parsed.Error != nil {
		return nil, newDriverError(d.Name(), ErrRequestRejected, fmt.Errorf("%s", parsed.Error.Message))
	}

	var content strings.Builder
	var toolCalls []ToolCall
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			raw, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, ToolCall{ID: block.ID, Name: block.Name, Args: block.Input, RawArgs: string(raw)})
		}
	}

	return &Response{
		Content:      content.String(),
		ToolCalls:    toolCalls,
		FinishReason: normalizeAnthropicStopReason(parsed.StopReason, toolCalls),
		Usage:        TokenUsage{PromptTokens: parsed.Usage.InputTokens, CompletionTokens: parsed.Usage.OutputTokens},
	}, nil
}

func normalizeAnthropicStopReason(reason string, toolCalls []ToolCall) FinishReason {
	if len(toolCalls) > 0 {
		return FinishToolCalls
	}
	switch reason {
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	default:
		return FinishStop
	}
}

// StreamExecute decodes Anthropic's typed SSE grammar: text_delta ->
// content, thinking_delta -> thinking, input_json_delta accumulated per
// content-block index and parsed as JSON once content_block_stop fires
// for a tool_use block.
func (d *AnthropicDriver) StreamExecute(ctx context.Context, rc RequestContext, sink StreamSink) (*Response, error) {
	resp, err := d.do(ctx, d.buildRequest(rc, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var content strings.Builder
	var thinking strings.Builder
	blockKind := make(map[int]string)
	blockMeta := make(map[int]anthropicContent)
	partialJSON := make(map[int]*strings.Builder)
	var order []int
	var toolCalls []ToolCall
	var usage TokenUsage
	var stopReason string

	reader := bufio.NewReader(resp.Body)
	var currentEvent string
	for {
		line, rerr := reader.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimSpace(line)
			switch {
			case bytes.HasPrefix(line, []byte("event: ")):
				currentEvent = string(bytes.TrimSpace(line[len("event: "):]))
			case bytes.HasPrefix(line, []byte("data: ")):
				data := line[len("data: "):]
				var evt anthropicStreamEvent
				if jerr := json.Unmarshal(data, &evt); jerr == nil {
					evtType := evt.Type
					if evtType == "" {
						evtType = currentEvent
					}
					handleAnthropicEvent(evtType, evt, &content, &thinking, blockKind, blockMeta, partialJSON, &order, &toolCalls, &usage, &stopReason, sink)
				}
				currentEvent = ""
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

	return &Response{
		Content:      content.String(),
		Thinking:     thinking.String(),
		ToolCalls:    toolCalls,
		FinishReason: normalizeAnthropicStopReason(stopReason, toolCalls),
		Usage:        usage,
	}, nil
}

func handleAnthropicEvent(
	evtType string,
	evt anthropicStreamEvent,
	content, thinking *strings.Builder,
	blockKind map[int]string,
	blockMeta map[int]anthropicContent,
	partialJSON map[int]*strings.Builder,
	order *[]int,
	toolCalls *[]ToolCall,
	usage *TokenUsage,
	stopReason *string,
	sink StreamSink,
) {
	switch evtType {
	case "message_start":
		if evt.Message != nil {
			usage.PromptTokens = evt.Message.Usage.InputTokens
		}
	case "content_block_start":
		if evt.ContentBlock != nil {
			blockKind[evt.Index] = evt.ContentBlock.Type
			blockMeta[evt.Index] = *evt.ContentBlock
			if evt.ContentBlock.Type == "tool_use" {
				partialJSON[evt.Index] = &strings.Builder{}
				*order = append(*order, evt.Index)
			}
		}
	case "content_block_delta":
		if evt.Delta == nil {
			return
		}
		switch evt.Delta.Type {
		case "text_delta":
			content.WriteString(evt.Delta.Text)
			if sink != nil {
				sink(evt.Delta.Text, ChunkContent)
			}
		case "thinking_delta":
			thinking.WriteString(evt.Delta.Thinking)
			if sink != nil {
				sink(evt.Delta.Thinking, ChunkThinking)
			}
		case "input_json_delta":
			if b, ok := partialJSON[evt.Index]; ok {
				b.WriteString(evt.Delta.PartialJSON)
			}
		}
	case "content_block_stop":
		if blockKind[evt.Index] == "tool_use" {
			meta := blockMeta[evt.Index]
			raw := ""
			if b, ok := partialJSON[evt.Index]; ok {
				raw = b.String()
			}
			args := decodeArgs(raw)
			*toolCalls = append(*toolCalls, ToolCall{ID: meta.ID, Name: meta.Name, Args: args, RawArgs: raw})
		}
	case "message_delta":
		if evt.Delta != nil && evt.Delta.StopReason != "" {
			*stopReason = evt.Delta.StopReason
		}
		if evt.Usage != nil {
			usage.CompletionTokens = evt.Usage.OutputTokens
		}
	case "message_stop":
		// terminal event, nothing further to accumulate
	}
}

func (d *AnthropicDriver) SupportsEmbeddings() bool { return false }
func (d *AnthropicDriver) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	return nil, fmt.Errorf("anthropic: embeddings not supported")
}
func (d *AnthropicDriver) EmbeddingDimensions(model string) int { return 0 }

func (d *AnthropicDriver) SupportsModelManagement() bool { return false }
func (d *AnthropicDriver) PullModel(ctx context.Context, name string, progress ProgressSink) error {
	return fmt.Errorf("anthropic: model management not supported")
}
func (d *AnthropicDriver) DeleteModel(ctx context.Context, name string) error {
	return fmt.Errorf("anthropic: model management not supported")
}
func (d *AnthropicDriver) ShowModel(ctx context.Context, name string) (ModelInfo, error) {
	return ModelInfo{}, fmt.Errorf("anthropic: model management not supported")
}

// ListModels returns the fixed catalog Anthropic doesn't expose via a
// models endpoint in the same shape OpenAI does; kept short and
// updated alongside model launches.
func (d *AnthropicDriver) ListModels(ctx context.Context, detailed bool) ([]ModelInfo, error) {
	return []ModelInfo{
		{Name: "claude-opus-4-1", ContextLimit: 200000},
		{Name: "claude-sonnet-4-5", ContextLimit: 200000},
		{Name: "claude-haiku-4-5", ContextLimit: 200000},
	}, nil
}
