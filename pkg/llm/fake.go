// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// FakeBackend is a deterministic driver used by package tests and the
// end-to-end scenarios: absent any scripted turn, it echoes "This is a
// fake response." with a 5/5 prompt/completion token split.
type FakeBackend struct {
	cfg NormalizedConfig

	// Turns maps a 1-based request-turn number to a scripted tool call
	// to emit instead of the default echo response. Shared across
	// WithConfig clones so a scripted scenario survives the per-turn
	// driver hand-out from Manager.ForAgent.
	Turns map[int]ToolCall
}

// NewFakeBackend returns a FakeBackend with no scripted turns.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{Turns: make(map[int]ToolCall)}
}

func (f *FakeBackend) Name() string { return "fake" }

func (f *FakeBackend) response(rc RequestContext) *Response {
	if call, ok := f.Turns[rc.RequestTurn]; ok {
		return &Response{
			ToolCalls:    []ToolCall{call},
			FinishReason: FinishToolCalls,
			Usage:        TokenUsage{PromptTokens: 5, CompletionTokens: 5},
		}
	}
	return &Response{
		Content:      "This is a fake response.",
		FinishReason: FinishStop,
		Usage:        TokenUsage{PromptTokens: 5, CompletionTokens: 5},
	}
}

func (f *FakeBackend) Execute(ctx context.Context, rc RequestContext) (*Response, error) {
	return f.response(rc), nil
}

func (f *FakeBackend) StreamExecute(ctx context.Context, rc RequestContext, sink StreamSink) (*Response, error) {
	resp := f.response(rc)
	if resp.Content != "" && sink != nil {
		sink(resp.Content, ChunkContent)
	}
	return resp, nil
}

func (f *FakeBackend) CountTokens(text string) int { return EstimateTokens(text) }
func (f *FakeBackend) ContextLimit() int            { return 8192 }

func (f *FakeBackend) SupportsEmbeddings() bool { return false }
func (f *FakeBackend) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	return nil, fmt.Errorf("fake: embeddings not supported")
}
func (f *FakeBackend) EmbeddingDimensions(model string) int { return 0 }

func (f *FakeBackend) SupportsModelManagement() bool { return false }
func (f *FakeBackend) PullModel(ctx context.Context, name string, progress ProgressSink) error {
	return fmt.Errorf("fake: model management not supported")
}
func (f *FakeBackend) DeleteModel(ctx context.Context, name string) error {
	return fmt.Errorf("fake: model management not supported")
}
func (f *FakeBackend) ShowModel(ctx context.Context, name string) (ModelInfo, error) {
	return ModelInfo{}, fmt.Errorf("fake: model management not supported")
}

func (f *FakeBackend) ListModels(ctx context.Context, detailed bool) ([]ModelInfo, error) {
	return []ModelInfo{{Name: "fake-model", ContextLimit: 8192}}, nil
}

func (f *FakeBackend) WithConfig(cfg NormalizedConfig) Driver {
	return &FakeBackend{cfg: cfg, Turns: f.Turns}
}

func (f *FakeBackend) Disconnect() error { return nil }

// MustArgsJSON is a test helper that marshals args into a ToolCall's RawArgs.
func MustArgsJSON(id, name string, args map[string]any) ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return ToolCall{ID: id, Name: name, Args: args, RawArgs: string(raw)}
}
