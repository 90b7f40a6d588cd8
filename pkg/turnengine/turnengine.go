// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Package turnengine runs one conversation turn end to end: load state,
// resolve the backend, assemble the prompt, plan the context window,
// stream the model's response, filter and dispatch its tool calls, and
// either pause for a client tool or re-enqueue the next turn. Grounded
// on the teacher's Flow.Run/runOneStep (pkg/agent/llmagent/flow.go),
// which drives the same preprocess → LLM call → postprocess → tool
// execution shape in a loop; generalized here from an in-process
// iterator loop into the single-job, re-enqueue-based state machine
// spec.md §4.10 specifies, since every turn must be independently
// resumable after a pause and safely re-runnable by an at-least-once
// queue.
package turnengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/ctxwindow"
	"github.com/nouscore/orchestrator/pkg/llm"
	"github.com/nouscore/orchestrator/pkg/observability"
	"github.com/nouscore/orchestrator/pkg/promptbuilder"
	"github.com/nouscore/orchestrator/pkg/queue"
	"github.com/nouscore/orchestrator/pkg/sse"
	"github.com/nouscore/orchestrator/pkg/tool"
)

// defaultTurnTimeout is the per-turn ceiling spec.md §4.10 calls out
// ("default ~200s").
const defaultTurnTimeout = 200 * time.Second

// defaultOutputReserve matches the 4096 reserve named in spec.md §4.10's
// pseudocode call to ContextPlanner.plan.
const defaultOutputReserve = 4096

// ContextBuilder supplies the optional RAG and memory-recall blocks for
// a turn's system prompt. Either may return "" to omit its section.
type ContextBuilder interface {
	RAGContext(ctx context.Context, conv *convo.Conversation, lastUserMessage string) (string, error)
	MemoryRecall(ctx context.Context, conv *convo.Conversation, lastUserMessage string) (string, error)
}

// Summarizer is consulted after every turn that appends new messages,
// so a conversation growing past its rollup threshold gets a
// summarization job queued without the turn itself waiting on it.
type Summarizer interface {
	CheckAndEnqueue(ctx context.Context, conversationID string) error
}

// ClientToolsResolver returns the tool schemas the requesting client
// advertised for conversationID (the "client" source merged by
// tool.Registry). Implementations typically read this from whatever
// the client sent when it posted the triggering user message.
type ClientToolsResolver func(ctx context.Context, conversationID string) ([]llm.ToolSchema, error)

// Engine runs turn jobs. ClientTools, Context and Summarizer may be nil
// and then contribute nothing; a nil Jobs means no follow-up turn is
// enqueued; Tracer and Metrics are optional (see below); a zero
// TurnTimeout or OutputReserve falls back to its default. All other
// fields are required.
type Engine struct {
	Conversations convo.ConversationStore
	Messages      convo.MessageStore
	Agents        convo.AgentStore
	Summaries     convo.SummaryStore

	Manager    *llm.Manager
	Dispatcher *tool.Dispatcher
	Assembler  *promptbuilder.Assembler
	Planner    *ctxwindow.Planner

	Broadcaster sse.Sink
	Jobs        queue.Queue

	ClientTools ClientToolsResolver
	Context     ContextBuilder
	Summarizer  Summarizer

	// Tracer and Metrics are optional; both are nil-safe (every method
	// no-ops on a nil receiver), so the engine runs unobserved when
	// neither is configured.
	Tracer  *observability.Tracer
	Metrics *observability.Metrics

	TurnTimeout   time.Duration
	OutputReserve int
}

// RunTurn executes one turn job for conversationID per spec.md §4.10.
// Every exit path releases the resolved driver via Disconnect,
// independent of whether the turn itself succeeded.
func (e *Engine) RunTurn(ctx context.Context, conversationID string) error {
	timeout := e.TurnTimeout
	if timeout <= 0 {
		timeout = defaultTurnTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conv, err := e.Conversations.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("turnengine: loading conversation: %w", err)
	}
	if conv.Cancelled {
		return nil
	}
	if conv.RequestTurnCount >= conv.MaxTurns && conv.MaxTurns > 0 {
		e.completeConversation(ctx, conv)
		return nil
	}

	// A non-empty PendingServerCalls means a previous response already
	// ran and we're resuming after a client-tool pause: continue
	// dispatching from the next pending call rather than calling the
	// backend again.
	if len(conv.PendingServerCalls) > 0 {
		driver, _, agent, err := e.resolveDriver(ctx, conv)
		if err != nil {
			e.failTurn(ctx, conv, err)
			return err
		}
		defer safeDisconnect(driver)
		return e.dispatchPendingCalls(ctx, conv, driver, agent)
	}

	conv.TurnCount++
	conv.RequestTurnCount++
	conv.UpdatedAt = time.Now()
	if err := e.Conversations.Update(ctx, conv); err != nil {
		return fmt.Errorf("turnengine: incrementing turn counters: %w", err)
	}

	var turnSpan trace.Span
	ctx, turnSpan = e.Tracer.StartTurn(ctx, conversationID, conv.AgentID, conv.RequestTurnCount, conv.MaxTurns)
	defer turnSpan.End()

	driver, cfg, agent, err := e.resolveDriver(ctx, conv)
	if err != nil {
		e.failTurn(ctx, conv, err)
		return err
	}
	defer safeDisconnect(driver)

	history, err := e.Messages.ListByConversation(ctx, conversationID)
	if err != nil {
		e.failTurn(ctx, conv, err)
		return err
	}

	clientTools, err := e.resolveClientTools(ctx, conversationID)
	if err != nil {
		e.failTurn(ctx, conv, err)
		return err
	}

	registry, _ := tool.NewRegistry(clientTools, e.Dispatcher.SystemSchemas(), agent.Tools)
	tools := registry.Tools()

	ragBlock, memBlock := e.buildContextBlocks(ctx, conv, lastUserMessageContent(history))
	sysPrompt := e.Assembler.Assemble(agent, ragBlock, memBlock, tools, conv.RequestTurnCount, conv.MaxTurns)

	summaries, err := e.Summaries.ListByConversation(ctx, conversationID)
	if err != nil {
		e.failTurn(ctx, conv, err)
		return err
	}
	plannedMessages := e.Planner.Plan(history, summaries, ctxwindow.Params{
		ContextLimit:       driver.ContextLimit(),
		OutputReserve:      e.outputReserve(),
		ToolDefTokens:      estimateToolDefTokens(driver, tools),
		SystemPromptTokens: driver.CountTokens(sysPrompt),
	})

	if conv.SystemPromptSnapshot == "" {
		conv.SystemPromptSnapshot = sysPrompt
		cfgCopy := cfg
		conv.ModelConfigSnapshot = &cfgCopy
		if err := e.Conversations.Update(ctx, conv); err != nil {
			e.failTurn(ctx, conv, err)
			return err
		}
	}

	sink := func(text string, kind llm.ChunkKind) {
		e.Broadcaster.Publish(conversationID, sse.Event{
			Kind: sse.EventTextChunk,
			Data: sse.TextChunkData{Kind: string(kind), Text: text},
		})
	}

	callStart := time.Now()
	spanCtx, span := e.Tracer.StartBackendCall(ctx, conv.Backend, cfg.Model)
	resp, err := driver.StreamExecute(spanCtx, llm.RequestContext{
		Messages:     plannedMessages,
		Tools:        tools,
		SystemPrompt: sysPrompt,
		RequestTurn:  conv.RequestTurnCount,
		MaxTurns:     conv.MaxTurns,
	}, sink)
	if err != nil {
		e.Tracer.RecordError(span, err)
		span.End()
		e.Metrics.RecordLLMError(cfg.Model, conv.Backend, fmt.Sprintf("%T", err))
		e.failTurn(ctx, conv, err)
		return err
	}
	e.Tracer.AddLLMUsage(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	span.End()
	e.Metrics.RecordLLMCall(cfg.Model, conv.Backend, time.Since(callStart))
	e.Metrics.RecordLLMTokens(cfg.Model, conv.Backend, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	conv.TokensPrompt += resp.Usage.PromptTokens
	conv.TokensCompletion += resp.Usage.CompletionTokens

	validCalls := filterValidCalls(registry, resp.ToolCalls)

	assistantMsg := &convo.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Position:       nextPosition(history),
		Role:           convo.RoleAssistant,
		Content:        resp.Content,
		Thinking:       resp.Thinking,
		ToolCalls:      validCalls,
		TokenCount:     driver.CountTokens(resp.Content),
		CreatedAt:      time.Now(),
	}
	if err := e.Messages.Append(ctx, assistantMsg); err != nil {
		e.failTurn(ctx, conv, err)
		return err
	}

	if len(validCalls) == 0 {
		e.completeConversation(ctx, conv)
		e.Broadcaster.Publish(conversationID, sse.Event{Kind: sse.EventCompleted, Data: struct{}{}})
		e.checkSummarization(ctx, conversationID)
		return nil
	}

	conv.PendingServerCalls = validCalls
	if err := e.Conversations.Update(ctx, conv); err != nil {
		e.failTurn(ctx, conv, err)
		return err
	}

	return e.dispatchPendingCalls(ctx, conv, driver, agent)
}

// dispatchPendingCalls drains conv.PendingServerCalls one at a time: a
// client-advertised call pauses the conversation and returns (the
// client's POSTed result will resume this same job later); a server
// tool is dispatched immediately via the Dispatcher. Cancellation is
// re-checked before every dispatch, per spec.md's three check-points.
func (e *Engine) dispatchPendingCalls(ctx context.Context, conv *convo.Conversation, driver llm.Driver, agent *convo.Agent) error {
	clientTools, err := e.resolveClientTools(ctx, conv.ID)
	if err != nil {
		e.failTurn(ctx, conv, err)
		return err
	}
	clientNames := toolNameSet(clientTools)

	for len(conv.PendingServerCalls) > 0 {
		conv, err = e.Conversations.Get(ctx, conv.ID)
		if err != nil {
			return fmt.Errorf("turnengine: reloading conversation: %w", err)
		}
		if conv.Cancelled {
			return nil
		}

		call := conv.PendingServerCalls[0]

		if _, clientAdvertised := clientNames[call.Name]; clientAdvertised {
			call := call
			conv.Status = convo.StatusPaused
			conv.WaitingFor = convo.WaitingForToolResult
			conv.PendingToolRequest = &call
			conv.PendingServerCalls = conv.PendingServerCalls[1:]
			conv.UpdatedAt = time.Now()
			if err := e.Conversations.Update(ctx, conv); err != nil {
				e.failTurn(ctx, conv, err)
				return err
			}
			e.Broadcaster.Publish(conv.ID, sse.Event{Kind: sse.EventToolRequest, Data: sse.ToolRequestData{ToolCall: call}})
			return nil
		}

		e.Broadcaster.Publish(conv.ID, sse.Event{Kind: sse.EventToolExecuting, Data: sse.ToolExecutingData{ToolCall: call}})
		toolStart := time.Now()
		toolCtx, toolSpan := e.Tracer.StartToolExecution(ctx, call.Name)
		result := e.Dispatcher.Execute(toolCtx, call)
		toolSpan.End()
		e.Metrics.RecordToolCall(call.Name, time.Since(toolStart))
		output := result.Content
		if !result.Success {
			output = result.Error
			e.Metrics.RecordToolError(call.Name, "execution_failed")
		}

		history, err := e.Messages.ListByConversation(ctx, conv.ID)
		if err != nil {
			e.failTurn(ctx, conv, err)
			return err
		}
		toolMsg := &convo.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			Position:       nextPosition(history),
			Role:           convo.RoleTool,
			Content:        output,
			ToolCallID:     call.ID,
			Name:           call.Name,
			TokenCount:     driver.CountTokens(output),
			CreatedAt:      time.Now(),
		}
		if err := e.Messages.Append(ctx, toolMsg); err != nil {
			e.failTurn(ctx, conv, err)
			return err
		}
		e.Broadcaster.Publish(conv.ID, sse.Event{Kind: sse.EventToolCompleted, Data: sse.ToolCompletedData{
			ID: call.ID, Name: call.Name, Success: result.Success, Output: output,
		}})

		conv.PendingServerCalls = conv.PendingServerCalls[1:]
		if err := e.Conversations.Update(ctx, conv); err != nil {
			e.failTurn(ctx, conv, err)
			return err
		}
	}

	conv, err = e.Conversations.Get(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("turnengine: reloading conversation: %w", err)
	}
	if conv.Cancelled {
		return nil
	}

	if e.Jobs != nil {
		if err := e.Jobs.Enqueue(ctx, queue.Job{Key: conv.ID, Payload: []byte(conv.ID)}); err != nil && err != queue.ErrAlreadyQueued {
			return fmt.Errorf("turnengine: re-enqueuing next turn: %w", err)
		}
	}
	e.checkSummarization(ctx, conv.ID)
	return nil
}

// ResumeClientTool clears conv's pending client-tool wait with the
// client-supplied result, appends the corresponding tool-role message,
// and re-enqueues the turn job so dispatchPendingCalls continues
// draining any remaining PendingServerCalls. Returns an error without
// mutating state if toolCallID doesn't match the conversation's current
// PendingToolRequest (a stale or duplicate submission).
func (e *Engine) ResumeClientTool(ctx context.Context, conversationID, toolCallID, output string, success bool) error {
	conv, err := e.Conversations.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("turnengine: loading conversation: %w", err)
	}
	if conv.PendingToolRequest == nil || conv.PendingToolRequest.ID != toolCallID {
		return fmt.Errorf("turnengine: no pending tool request %q on conversation %q", toolCallID, conversationID)
	}
	call := *conv.PendingToolRequest

	driver, _, _, err := e.resolveDriver(ctx, conv)
	if err != nil {
		return fmt.Errorf("turnengine: resolving backend: %w", err)
	}
	defer safeDisconnect(driver)

	history, err := e.Messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("turnengine: loading messages: %w", err)
	}
	toolMsg := &convo.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Position:       nextPosition(history),
		Role:           convo.RoleTool,
		Content:        output,
		ToolCallID:     call.ID,
		Name:           call.Name,
		TokenCount:     driver.CountTokens(output),
		CreatedAt:      time.Now(),
	}
	if err := e.Messages.Append(ctx, toolMsg); err != nil {
		return fmt.Errorf("turnengine: appending tool result message: %w", err)
	}

	conv.PendingToolRequest = nil
	conv.WaitingFor = convo.WaitingForNone
	conv.Status = convo.StatusActive
	conv.UpdatedAt = time.Now()
	if err := e.Conversations.Update(ctx, conv); err != nil {
		return fmt.Errorf("turnengine: clearing pending tool request: %w", err)
	}

	e.Broadcaster.Publish(conversationID, sse.Event{Kind: sse.EventToolCompleted, Data: sse.ToolCompletedData{
		ID: call.ID, Name: call.Name, Success: success, Output: output,
	}})

	if e.Jobs != nil {
		if err := e.Jobs.Enqueue(ctx, queue.Job{Key: conversationID, Payload: []byte(conversationID)}); err != nil && err != queue.ErrAlreadyQueued {
			return fmt.Errorf("turnengine: enqueuing resumed turn: %w", err)
		}
	}
	return nil
}

// checkSummarization best-effort triggers a rollup check: a conversation
// that never grows a backlog worth summarizing simply never enqueues a
// job, and a failure here never fails the turn that just completed.
func (e *Engine) checkSummarization(ctx context.Context, conversationID string) {
	if e.Summarizer == nil {
		return
	}
	if err := e.Summarizer.CheckAndEnqueue(ctx, conversationID); err != nil {
		slog.Warn("turnengine: summarization check failed", "conversation_id", conversationID, "error", err)
	}
}

func (e *Engine) resolveDriver(ctx context.Context, conv *convo.Conversation) (llm.Driver, llm.NormalizedConfig, *convo.Agent, error) {
	agent, err := e.Agents.Get(ctx, conv.AgentID)
	if err != nil {
		return nil, llm.NormalizedConfig{}, nil, fmt.Errorf("turnengine: loading agent: %w", err)
	}
	driver, cfg, err := e.Manager.ForAgent(llm.AgentBackendConfig{
		BackendKey: agent.BackendKey,
		Overrides:  overridesFromAgent(agent),
	})
	if err != nil {
		return nil, llm.NormalizedConfig{}, nil, fmt.Errorf("turnengine: resolving backend: %w", err)
	}
	return driver, cfg, agent, nil
}

func (e *Engine) resolveClientTools(ctx context.Context, conversationID string) ([]llm.ToolSchema, error) {
	if e.ClientTools == nil {
		return nil, nil
	}
	return e.ClientTools(ctx, conversationID)
}

func (e *Engine) buildContextBlocks(ctx context.Context, conv *convo.Conversation, lastUserMessage string) (ragBlock, memBlock string) {
	if e.Context == nil {
		return "", ""
	}
	if block, err := e.Context.RAGContext(ctx, conv, lastUserMessage); err == nil {
		ragBlock = block
	} else {
		slog.Warn("turnengine: rag context unavailable", "conversation_id", conv.ID, "error", err)
	}
	if block, err := e.Context.MemoryRecall(ctx, conv, lastUserMessage); err == nil {
		memBlock = block
	} else {
		slog.Warn("turnengine: memory recall unavailable", "conversation_id", conv.ID, "error", err)
	}
	return ragBlock, memBlock
}

func (e *Engine) completeConversation(ctx context.Context, conv *convo.Conversation) {
	conv.Status = convo.StatusCompleted
	conv.UpdatedAt = time.Now()
	if err := e.Conversations.Update(ctx, conv); err != nil {
		slog.Error("turnengine: failed to persist completed status", "conversation_id", conv.ID, "error", err)
	}
}

func (e *Engine) failTurn(ctx context.Context, conv *convo.Conversation, cause error) {
	conv.Status = convo.StatusFailed
	conv.UpdatedAt = time.Now()
	if err := e.Conversations.Update(ctx, conv); err != nil {
		slog.Error("turnengine: failed to persist failed status", "conversation_id", conv.ID, "error", err)
	}
	e.Broadcaster.Publish(conv.ID, sse.Event{Kind: sse.EventFailed, Data: sse.FailedData{Error: cause.Error()}})
}

func (e *Engine) outputReserve() int {
	if e.OutputReserve > 0 {
		return e.OutputReserve
	}
	return defaultOutputReserve
}

func safeDisconnect(driver llm.Driver) {
	if driver == nil {
		return
	}
	if err := driver.Disconnect(); err != nil {
		slog.Warn("turnengine: driver disconnect failed", "error", err)
	}
}

func filterValidCalls(r *tool.Registry, calls []llm.ToolCall) []llm.ToolCall {
	var out []llm.ToolCall
	for _, c := range calls {
		if ok, warning := r.ValidateCall(c); ok {
			out = append(out, c)
		} else {
			slog.Debug("turnengine: dropping invalid tool call", "tool", c.Name, "reason", warning)
		}
	}
	return out
}

func toolNameSet(schemas []llm.ToolSchema) map[string]struct{} {
	m := make(map[string]struct{}, len(schemas))
	for _, s := range schemas {
		m[s.Name] = struct{}{}
	}
	return m
}

func lastUserMessageContent(history []*convo.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == convo.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

func nextPosition(history []*convo.Message) int {
	if len(history) == 0 {
		return 0
	}
	return history[len(history)-1].Position + 1
}

func estimateToolDefTokens(driver llm.Driver, tools []llm.ToolSchema) int {
	if len(tools) == 0 {
		return 0
	}
	data, err := json.Marshal(tools)
	if err != nil {
		return 0
	}
	return driver.CountTokens(string(data))
}

// overridesFromAgent lifts an agent's generic ModelOverrides map into
// the typed llm.Overrides the Backend Manager expects. Unrecognized or
// mistyped keys are silently ignored: per-agent overrides are optional
// and best-effort, never a hard failure.
func overridesFromAgent(agent *convo.Agent) llm.Overrides {
	var o llm.Overrides
	if agent == nil {
		return o
	}
	if v, ok := floatOverride(agent.ModelOverrides, "temperature"); ok {
		o.Temperature = &v
	}
	if v, ok := intOverride(agent.ModelOverrides, "max_tokens"); ok {
		o.MaxTokens = &v
	}
	if v, ok := floatOverride(agent.ModelOverrides, "top_p"); ok {
		o.TopP = &v
	}
	if v, ok := intOverride(agent.ModelOverrides, "top_k"); ok {
		o.TopK = &v
	}
	if v, ok := floatOverride(agent.ModelOverrides, "frequency_penalty"); ok {
		o.FrequencyPenalty = &v
	}
	if v, ok := floatOverride(agent.ModelOverrides, "presence_penalty"); ok {
		o.PresencePenalty = &v
	}
	return o
}

func floatOverride(m map[string]any, key string) (float64, bool) {
	v, ok := m[key].(float64)
	return v, ok
}

func intOverride(m map[string]any, key string) (int, bool) {
	v, ok := m[key].(float64)
	if !ok {
		return 0, false
	}
	return int(v), true
}
