// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Package summarize rolls up old stretches of a conversation's message
// log into a single persisted Summary, grounded on the teacher's
// SummaryBufferStrategy (pkg/memory/summary_buffer.go): a token budget,
// a threshold fraction that triggers rollup, and a target fraction that
// bounds how much is kept afterward. The teacher applies this in-process
// on every turn; this package generalizes it into a queued background
// job per spec.md §4.11, since a summarization call is itself an LLM
// request and shouldn't block the turn that triggered it.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/llm"
	"github.com/nouscore/orchestrator/pkg/queue"
)

// Default budget settings, carried over from the teacher's
// SummaryBufferStrategy defaults.
const (
	DefaultBudget                   = 8000
	DefaultThreshold                = 0.85
	DefaultTarget                   = 0.7
	DefaultMinMessagesBeforeSummary = 20
	DefaultMinRecentMessagesToKeep  = 10

	// maxAttempts bounds job-level retries of the summarization LLM
	// call; the driver's own HTTP client already retries transient
	// failures underneath this, so this bound targets attempts that
	// fail at the application level (bad model, auth, etc).
	maxAttempts = 3
)

// summaryPrompt is the system prompt for the single-shot, non-tool
// summarization call.
const summaryPrompt = "Summarize the following conversation excerpt concisely, preserving facts, decisions, and open threads a later turn would need. Do not address the user; write a third-person summary."

// Config tunes when and how much a conversation is rolled up.
type Config struct {
	// Budget is the token ceiling CheckAndEnqueue works against.
	Budget int
	// Threshold is the fraction of Budget that triggers a rollup.
	Threshold float64
	// Target is the fraction of Budget the kept recent tail is bounded to.
	Target float64
	// MinMessagesBeforeSummary floors how small a conversation can be
	// and still trigger: summarizing a handful of messages wastes a
	// call for negligible context savings.
	MinMessagesBeforeSummary int
	// MinRecentMessagesToKeep floors how many of the newest messages
	// are always left out of any summarized range.
	MinRecentMessagesToKeep int
	// BackendKey selects the backend Manager.ForAgent resolves for the
	// summarization call; summarization may reasonably use a cheaper
	// model than the conversation's own agent.
	BackendKey string
}

func (c Config) withDefaults() Config {
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = DefaultThreshold
	}
	if c.Target <= 0 || c.Target > 1 {
		c.Target = DefaultTarget
	}
	if c.MinMessagesBeforeSummary <= 0 {
		c.MinMessagesBeforeSummary = DefaultMinMessagesBeforeSummary
	}
	if c.MinRecentMessagesToKeep <= 0 {
		c.MinRecentMessagesToKeep = DefaultMinRecentMessagesToKeep
	}
	return c
}

// Worker drains the summarization job queue, running one rollup per
// job. Jobs are keyed by summary id so an at-least-once queue never
// double-runs the same rollup concurrently.
type Worker struct {
	Jobs          queue.Queue
	Conversations convo.ConversationStore
	Messages      convo.MessageStore
	Summaries     convo.SummaryStore
	Manager       *llm.Manager
	Config        Config
}

// NewWorker builds a Worker, applying Config defaults.
func NewWorker(jobs queue.Queue, conversations convo.ConversationStore, messages convo.MessageStore, summaries convo.SummaryStore, manager *llm.Manager, cfg Config) *Worker {
	return &Worker{
		Jobs:          jobs,
		Conversations: conversations,
		Messages:      messages,
		Summaries:     summaries,
		Manager:       manager,
		Config:        cfg.withDefaults(),
	}
}

// Run blocks, processing rollup jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		job, err := w.Jobs.Dequeue(ctx)
		if err != nil {
			return err
		}
		summaryID := string(job.Payload)
		retry := w.processOne(ctx, summaryID)
		if err := w.Jobs.Done(ctx, job.Key); err != nil {
			slog.Error("summarize: failed to release dedup key", "summary_id", summaryID, "error", err)
		}
		if retry {
			if err := w.Jobs.Enqueue(ctx, job); err != nil && err != queue.ErrAlreadyQueued {
				slog.Error("summarize: failed to re-enqueue retry", "summary_id", summaryID, "error", err)
			}
		}
	}
}

// processOne runs one rollup attempt, returning true if it should be
// retried (transient failure, attempts remaining).
func (w *Worker) processOne(ctx context.Context, summaryID string) bool {
	summary, err := w.Summaries.Get(ctx, summaryID)
	if err != nil {
		slog.Error("summarize: loading summary", "summary_id", summaryID, "error", err)
		return false
	}
	if summary.Status == convo.SummaryCompleted || summary.Status == convo.SummaryFailed {
		return false
	}

	summary.Status = convo.SummaryProcessing
	summary.Attempts++
	if err := w.Summaries.Put(ctx, summary); err != nil {
		slog.Error("summarize: persisting processing status", "summary_id", summaryID, "error", err)
		return false
	}

	if err := w.summarize(ctx, summary); err != nil {
		slog.Error("summarize: rollup attempt failed", "summary_id", summaryID, "attempt", summary.Attempts, "error", err)
		if summary.Attempts >= maxAttempts {
			summary.Status = convo.SummaryFailed
			if putErr := w.Summaries.Put(ctx, summary); putErr != nil {
				slog.Error("summarize: persisting failed status", "summary_id", summaryID, "error", putErr)
			}
			return false
		}
		summary.Status = convo.SummaryPending
		if putErr := w.Summaries.Put(ctx, summary); putErr != nil {
			slog.Error("summarize: persisting pending-for-retry status", "summary_id", summaryID, "error", putErr)
		}
		return true
	}

	return false
}

func (w *Worker) summarize(ctx context.Context, summary *convo.Summary) error {
	conv, err := w.Conversations.Get(ctx, summary.ConversationID)
	if err != nil {
		return fmt.Errorf("summarize: loading conversation: %w", err)
	}

	history, err := w.Messages.ListByConversation(ctx, summary.ConversationID)
	if err != nil {
		return fmt.Errorf("summarize: loading messages: %w", err)
	}

	ranged := messagesInRange(history, summary.FromPosition, summary.ToPosition)
	if len(ranged) == 0 {
		return fmt.Errorf("summarize: no messages in range [%d,%d]", summary.FromPosition, summary.ToPosition)
	}

	driver, _, err := w.Manager.ForAgent(llm.AgentBackendConfig{BackendKey: w.backendKey(conv)})
	if err != nil {
		return fmt.Errorf("summarize: resolving backend: %w", err)
	}
	defer func() {
		if err := driver.Disconnect(); err != nil {
			slog.Warn("summarize: driver disconnect failed", "error", err)
		}
	}()

	resp, err := driver.Execute(ctx, llm.RequestContext{
		Messages:     []llm.ChatMessage{{Role: llm.RoleUser, Content: transcript(ranged)}},
		SystemPrompt: summaryPrompt,
	})
	if err != nil {
		return fmt.Errorf("summarize: backend call: %w", err)
	}

	originalTokens := 0
	ids := make([]string, 0, len(ranged))
	for _, m := range ranged {
		originalTokens += m.TokenCount
		ids = append(ids, m.ID)
	}

	summary.Content = resp.Content
	summary.TokenCount = driver.CountTokens(resp.Content)
	summary.OriginalTokenCount = originalTokens
	summary.BackendUsed = w.backendKey(conv)
	summary.ModelUsed = driver.Name()
	summary.SummarizedMessageIDs = ids
	summary.Status = convo.SummaryCompleted
	now := time.Now()
	summary.CompletedAt = &now

	if err := w.Summaries.Put(ctx, summary); err != nil {
		return fmt.Errorf("summarize: persisting completed summary: %w", err)
	}
	return nil
}

func (w *Worker) backendKey(conv *convo.Conversation) string {
	if w.Config.BackendKey != "" {
		return w.Config.BackendKey
	}
	return conv.Backend
}

// CheckAndEnqueue inspects conversationID's message log and, if the
// token budget beyond the last completed summary exceeds the configured
// threshold, claims a new contiguous range, persists a pending Summary
// for it, and enqueues the rollup job. A no-op if no rollup is due.
//
// Per spec.md's open question on insertion order, the range is claimed
// here at enqueue time (under whatever lock the caller already holds
// for appending messages, typically the turn engine's per-conversation
// serialization) rather than re-validated at job-run time; a message
// landing inside an already-claimed range is simply covered by the next
// rollup's range instead.
func (w *Worker) CheckAndEnqueue(ctx context.Context, conversationID string) error {
	history, err := w.Messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("summarize: loading messages: %w", err)
	}

	existing, err := w.Summaries.ListByConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("summarize: loading summaries: %w", err)
	}

	nextStart := lastCoveredPosition(existing) + 1
	candidate := messagesFrom(history, nextStart)
	if len(candidate) < w.Config.MinMessagesBeforeSummary {
		return nil
	}

	totalTokens := sumTokens(candidate)
	thresholdTokens := int(float64(w.Config.Budget) * w.Config.Threshold)
	if totalTokens <= thresholdTokens {
		return nil
	}

	targetTokens := int(float64(w.Config.Budget) * w.Config.Target)
	oldMessages := claimOldRange(candidate, targetTokens, w.Config.MinRecentMessagesToKeep)
	if len(oldMessages) == 0 {
		return nil
	}

	summary := &convo.Summary{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		FromPosition:   oldMessages[0].Position,
		ToPosition:     oldMessages[len(oldMessages)-1].Position,
		Status:         convo.SummaryPending,
		CreatedAt:      time.Now(),
	}
	if err := w.Summaries.Put(ctx, summary); err != nil {
		return fmt.Errorf("summarize: persisting pending summary: %w", err)
	}

	if err := w.Jobs.Enqueue(ctx, queue.Job{Key: summary.ID, Payload: []byte(summary.ID)}); err != nil && err != queue.ErrAlreadyQueued {
		return fmt.Errorf("summarize: enqueuing rollup job: %w", err)
	}
	return nil
}

func lastCoveredPosition(summaries []*convo.Summary) int {
	covered := -1
	for _, s := range summaries {
		if s.Status != convo.SummaryCompleted {
			continue
		}
		if s.ToPosition > covered {
			covered = s.ToPosition
		}
	}
	return covered
}

func messagesFrom(history []*convo.Message, fromPosition int) []*convo.Message {
	var out []*convo.Message
	for _, m := range history {
		if m.Position >= fromPosition {
			out = append(out, m)
		}
	}
	return out
}

func messagesInRange(history []*convo.Message, from, to int) []*convo.Message {
	var out []*convo.Message
	for _, m := range history {
		if m.Position >= from && m.Position <= to {
			out = append(out, m)
		}
	}
	return out
}

func sumTokens(messages []*convo.Message) int {
	total := 0
	for _, m := range messages {
		total += m.TokenCount
	}
	return total
}

// claimOldRange selects the prefix of candidate to fold into a summary:
// everything except a recent tail that fits targetTokens (never fewer
// than minRecent messages), then widens the boundary forward so it
// never splits an assistant tool call from its tool-result messages.
func claimOldRange(candidate []*convo.Message, targetTokens, minRecent int) []*convo.Message {
	recentCount := len(candidate)
	if recentCount > minRecent {
		used := 0
		for i := len(candidate) - 1; i >= 0; i-- {
			used += candidate[i].TokenCount
			if used > targetTokens && len(candidate)-i > minRecent {
				recentCount = len(candidate) - i - 1
				break
			}
			recentCount = len(candidate) - i
		}
		if recentCount < minRecent {
			recentCount = minRecent
		}
		if recentCount > len(candidate) {
			recentCount = len(candidate)
		}
	}

	cut := len(candidate) - recentCount
	cut = extendPastPendingToolCalls(candidate, cut)
	if cut <= 0 {
		return nil
	}
	return candidate[:cut]
}

// extendPastPendingToolCalls grows cut forward past any assistant
// message at or before cut whose tool calls' results live at or after
// cut, so a rollup never summarizes a tool call without its result (or
// vice versa).
func extendPastPendingToolCalls(candidate []*convo.Message, cut int) int {
	if cut <= 0 || cut >= len(candidate) {
		return cut
	}
	pending := map[string]struct{}{}
	for i := 0; i < cut; i++ {
		m := candidate[i]
		if m.Role == convo.RoleAssistant {
			for _, c := range m.ToolCalls {
				pending[c.ID] = struct{}{}
			}
		}
		if m.Role == convo.RoleTool {
			delete(pending, m.ToolCallID)
		}
	}
	if len(pending) == 0 {
		return cut
	}
	for i := cut; i < len(candidate); i++ {
		m := candidate[i]
		if m.Role == convo.RoleTool {
			delete(pending, m.ToolCallID)
		}
		cut = i + 1
		if len(pending) == 0 {
			break
		}
	}
	return cut
}

// transcript renders messages as a plain speaker-prefixed transcript
// for the summarization prompt; tool calls/results are flattened to a
// human-readable line rather than raw JSON.
func transcript(messages []*convo.Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case convo.RoleTool:
			fmt.Fprintf(&b, "[tool result: %s] %s\n", m.Name, m.Content)
		default:
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
			for _, c := range m.ToolCalls {
				fmt.Fprintf(&b, "  (called tool %s)\n", c.Name)
			}
		}
	}
	return b.String()
}
