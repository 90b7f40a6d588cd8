// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package turnengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/convo/memstore"
	"github.com/nouscore/orchestrator/pkg/ctxwindow"
	"github.com/nouscore/orchestrator/pkg/llm"
	"github.com/nouscore/orchestrator/pkg/promptbuilder"
	"github.com/nouscore/orchestrator/pkg/queue"
	"github.com/nouscore/orchestrator/pkg/sse"
	"github.com/nouscore/orchestrator/pkg/tool"
)

// fakeDriver is a minimal llm.Driver stub: StreamExecute returns a
// preprogrammed response and echoes every streamed chunk through sink.
type fakeDriver struct {
	name         string
	contextLimit int
	response     *llm.Response
	streamErr    error
	chunks       []string
	disconnected bool
	disconnectErr error
	execCount    int
}

func (d *fakeDriver) Name() string { return d.name }

func (d *fakeDriver) Execute(ctx context.Context, rc llm.RequestContext) (*llm.Response, error) {
	return d.response, d.streamErr
}

func (d *fakeDriver) StreamExecute(ctx context.Context, rc llm.RequestContext, sink llm.StreamSink) (*llm.Response, error) {
	d.execCount++
	if d.streamErr != nil {
		return nil, d.streamErr
	}
	for _, c := range d.chunks {
		sink(c, llm.ChunkContent)
	}
	return d.response, nil
}

func (d *fakeDriver) CountTokens(text string) int { return len(text) }
func (d *fakeDriver) ContextLimit() int {
	if d.contextLimit == 0 {
		return 8192
	}
	return d.contextLimit
}
func (d *fakeDriver) SupportsEmbeddings() bool { return false }
func (d *fakeDriver) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	return nil, nil
}
func (d *fakeDriver) EmbeddingDimensions(model string) int      { return 0 }
func (d *fakeDriver) SupportsModelManagement() bool             { return false }
func (d *fakeDriver) PullModel(ctx context.Context, name string, progress llm.ProgressSink) error {
	return nil
}
func (d *fakeDriver) DeleteModel(ctx context.Context, name string) error { return nil }
func (d *fakeDriver) ShowModel(ctx context.Context, name string) (llm.ModelInfo, error) {
	return llm.ModelInfo{}, nil
}
func (d *fakeDriver) ListModels(ctx context.Context, detailed bool) ([]llm.ModelInfo, error) {
	return nil, nil
}
func (d *fakeDriver) WithConfig(cfg llm.NormalizedConfig) llm.Driver { return d }
func (d *fakeDriver) Disconnect() error {
	d.disconnected = true
	return d.disconnectErr
}

func newManagerWithDriver(t *testing.T, key string, d llm.Driver) *llm.Manager {
	t.Helper()
	m := llm.NewManager(key, llm.GlobalConfig{})
	err := m.RegisterFactory(key, func() (llm.Driver, llm.DriverDefaults, llm.DriverCapabilities, error) {
		return d, llm.DriverDefaults{Model: "fake-model", Temperature: 0.5, MaxTokens: 512}, llm.DriverCapabilities{}, nil
	})
	require.NoError(t, err)
	return m
}

// fakeHandler is a tool.Handler serving one fixed prefix, used to
// exercise server-tool dispatch.
type fakeHandler struct {
	prefix   string
	toolName string
	result   tool.Result
	calls    []llm.ToolCall
}

func (h *fakeHandler) Prefixes() []string { return []string{h.prefix} }
func (h *fakeHandler) Schemas() []llm.ToolSchema {
	return []llm.ToolSchema{{Name: h.toolName, Description: "test tool", Parameters: map[string]any{"type": "object"}}}
}
func (h *fakeHandler) Execute(ctx context.Context, call llm.ToolCall) tool.Result {
	h.calls = append(h.calls, call)
	r := h.result
	r.ToolCallID = call.ID
	return r
}

func baseConversation(id, agentID string) *convo.Conversation {
	return &convo.Conversation{
		ID:        id,
		AgentID:   agentID,
		Status:    convo.StatusActive,
		MaxTurns:  10,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func baseAgent(id, backendKey string) *convo.Agent {
	return &convo.Agent{
		ID:           id,
		Instructions: "You are a helpful assistant.",
		BackendKey:   backendKey,
	}
}

// testBroadcaster records every published event's kind, satisfying
// sse.Sink without exercising the real HTTP fan-out.
type testBroadcaster struct {
	published []sse.EventKind
}

func (b *testBroadcaster) Publish(conversationID string, ev sse.Event) {
	b.published = append(b.published, ev.Kind)
}

func newEngine(t *testing.T, driver llm.Driver, handlers ...tool.Handler) (*Engine, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	mgr := newManagerWithDriver(t, "fake-backend", driver)
	return &Engine{
		Conversations: store.Conversations,
		Messages:      store.Messages,
		Agents:        store.Agents,
		Summaries:     store.Summaries,
		Manager:       mgr,
		Dispatcher:    tool.NewDispatcher(handlers...),
		Assembler:     promptbuilder.NewAssembler(),
		Planner:       ctxwindow.NewPlanner(llm.NewTokenCounter("fake-model")),
		Broadcaster:   &testBroadcaster{},
		Jobs:          queue.NewMemQueue(16),
	}, store
}

func TestRunTurn_CompletesWhenNoToolCallsReturned(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{response: &llm.Response{Content: "hello there", FinishReason: llm.FinishStop}}
	engine, store := newEngine(t, driver)

	agent := baseAgent("agent-1", "fake-backend")
	require.NoError(t, store.Agents.Create(ctx, agent))
	conv := baseConversation("conv-1", agent.ID)
	require.NoError(t, store.Conversations.Create(ctx, conv))
	require.NoError(t, store.Messages.Append(ctx, &convo.Message{
		ID: "m1", ConversationID: conv.ID, Position: 0, Role: convo.RoleUser, Content: "hi",
	}))

	err := engine.RunTurn(ctx, conv.ID)
	require.NoError(t, err)

	got, err := store.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, convo.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.RequestTurnCount)
	assert.NotEmpty(t, got.SystemPromptSnapshot)
	assert.True(t, driver.disconnected)

	msgs, err := store.Messages.ListByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, convo.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hello there", msgs[1].Content)
}

func TestRunTurn_ReturnsNilWithoutSideEffectsWhenCancelled(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{response: &llm.Response{Content: "should not run"}}
	engine, store := newEngine(t, driver)

	agent := baseAgent("agent-1", "fake-backend")
	require.NoError(t, store.Agents.Create(ctx, agent))
	conv := baseConversation("conv-1", agent.ID)
	conv.Cancelled = true
	require.NoError(t, store.Conversations.Create(ctx, conv))

	err := engine.RunTurn(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, driver.execCount)
	assert.False(t, driver.disconnected)
}

func TestRunTurn_CompletesImmediatelyWhenMaxTurnsReached(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{response: &llm.Response{Content: "ignored"}}
	engine, store := newEngine(t, driver)

	agent := baseAgent("agent-1", "fake-backend")
	require.NoError(t, store.Agents.Create(ctx, agent))
	conv := baseConversation("conv-1", agent.ID)
	conv.MaxTurns = 3
	conv.RequestTurnCount = 3
	require.NoError(t, store.Conversations.Create(ctx, conv))

	err := engine.RunTurn(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, driver.execCount)

	got, err := store.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, convo.StatusCompleted, got.Status)
}

func TestRunTurn_PausesForClientAdvertisedToolCall(t *testing.T) {
	ctx := context.Background()
	call := llm.ToolCall{ID: "call-1", Name: "client_confirm", Args: map[string]any{}}
	driver := &fakeDriver{response: &llm.Response{
		Content:      "",
		ToolCalls:    []llm.ToolCall{call},
		FinishReason: llm.FinishToolCalls,
	}}
	engine, store := newEngine(t, driver)
	engine.ClientTools = func(ctx context.Context, conversationID string) ([]llm.ToolSchema, error) {
		return []llm.ToolSchema{{Name: "client_confirm", Parameters: map[string]any{"type": "object"}}}, nil
	}

	agent := baseAgent("agent-1", "fake-backend")
	require.NoError(t, store.Agents.Create(ctx, agent))
	conv := baseConversation("conv-1", agent.ID)
	require.NoError(t, store.Conversations.Create(ctx, conv))
	require.NoError(t, store.Messages.Append(ctx, &convo.Message{
		ID: "m1", ConversationID: conv.ID, Position: 0, Role: convo.RoleUser, Content: "please confirm",
	}))

	err := engine.RunTurn(ctx, conv.ID)
	require.NoError(t, err)

	got, err := store.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, convo.StatusPaused, got.Status)
	assert.Equal(t, convo.WaitingForToolResult, got.WaitingFor)
	require.NotNil(t, got.PendingToolRequest)
	assert.Equal(t, "call-1", got.PendingToolRequest.ID)
	assert.Empty(t, got.PendingServerCalls)
}

func TestRunTurn_DispatchesServerToolAndReenqueuesNextTurn(t *testing.T) {
	ctx := context.Background()
	call := llm.ToolCall{ID: "call-1", Name: "web_search", Args: map[string]any{}}
	driver := &fakeDriver{response: &llm.Response{
		ToolCalls:    []llm.ToolCall{call},
		FinishReason: llm.FinishToolCalls,
	}}
	handler := &fakeHandler{prefix: "web_", toolName: "web_search", result: tool.Result{Success: true, Content: `{"ok":true}`}}
	engine, store := newEngine(t, driver, handler)

	agent := baseAgent("agent-1", "fake-backend")
	require.NoError(t, store.Agents.Create(ctx, agent))
	conv := baseConversation("conv-1", agent.ID)
	require.NoError(t, store.Conversations.Create(ctx, conv))
	require.NoError(t, store.Messages.Append(ctx, &convo.Message{
		ID: "m1", ConversationID: conv.ID, Position: 0, Role: convo.RoleUser, Content: "search something",
	}))

	err := engine.RunTurn(ctx, conv.ID)
	require.NoError(t, err)

	require.Len(t, handler.calls, 1)
	assert.Equal(t, "call-1", handler.calls[0].ID)

	msgs, err := store.Messages.ListByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, convo.RoleTool, msgs[2].Role)
	assert.Equal(t, `{"ok":true}`, msgs[2].Content)

	got, err := store.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PendingServerCalls)

	job, err := engine.Jobs.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, job.Key)
}

func TestRunTurn_ResumesFromPendingServerCallsWithoutCallingBackendAgain(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{response: &llm.Response{Content: "not used"}}
	handler := &fakeHandler{prefix: "web_", toolName: "web_search", result: tool.Result{Success: true, Content: "done"}}
	engine, store := newEngine(t, driver, handler)

	agent := baseAgent("agent-1", "fake-backend")
	require.NoError(t, store.Agents.Create(ctx, agent))
	conv := baseConversation("conv-1", agent.ID)
	conv.PendingServerCalls = []llm.ToolCall{{ID: "call-2", Name: "web_search", Args: map[string]any{}}}
	require.NoError(t, store.Conversations.Create(ctx, conv))
	require.NoError(t, store.Messages.Append(ctx, &convo.Message{
		ID: "m1", ConversationID: conv.ID, Position: 0, Role: convo.RoleUser, Content: "search something",
	}))

	err := engine.RunTurn(ctx, conv.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, driver.execCount, "resume path must not invoke the backend")
	require.Len(t, handler.calls, 1)
	assert.Equal(t, "call-2", handler.calls[0].ID)

	got, err := store.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RequestTurnCount, "resume path must not increment turn counters")
	assert.Empty(t, got.PendingServerCalls)
}

func TestRunTurn_AccumulatesTokenUsageAcrossTheTurn(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{response: &llm.Response{
		Content: "done",
		Usage:   llm.TokenUsage{PromptTokens: 120, CompletionTokens: 30},
	}}
	engine, store := newEngine(t, driver)

	agent := baseAgent("agent-1", "fake-backend")
	require.NoError(t, store.Agents.Create(ctx, agent))
	conv := baseConversation("conv-1", agent.ID)
	require.NoError(t, store.Conversations.Create(ctx, conv))
	require.NoError(t, store.Messages.Append(ctx, &convo.Message{
		ID: "m1", ConversationID: conv.ID, Position: 0, Role: convo.RoleUser, Content: "hi",
	}))

	err := engine.RunTurn(ctx, conv.ID)
	require.NoError(t, err)

	got, err := store.Conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 120, got.TokensPrompt)
	assert.Equal(t, 30, got.TokensCompletion)
}
