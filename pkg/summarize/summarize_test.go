// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package summarize

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/convo/memstore"
	"github.com/nouscore/orchestrator/pkg/llm"
	"github.com/nouscore/orchestrator/pkg/queue"
)

type fakeDriver struct {
	response  *llm.Response
	err       error
	callCount int
}

func (d *fakeDriver) Name() string { return "fake-driver" }
func (d *fakeDriver) Execute(ctx context.Context, rc llm.RequestContext) (*llm.Response, error) {
	d.callCount++
	if d.err != nil {
		return nil, d.err
	}
	return d.response, nil
}
func (d *fakeDriver) StreamExecute(ctx context.Context, rc llm.RequestContext, sink llm.StreamSink) (*llm.Response, error) {
	return d.Execute(ctx, rc)
}
func (d *fakeDriver) CountTokens(text string) int                            { return len(text) }
func (d *fakeDriver) ContextLimit() int                                      { return 8192 }
func (d *fakeDriver) SupportsEmbeddings() bool                               { return false }
func (d *fakeDriver) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	return nil, nil
}
func (d *fakeDriver) EmbeddingDimensions(model string) int { return 0 }
func (d *fakeDriver) SupportsModelManagement() bool        { return false }
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
func (d *fakeDriver) Disconnect() error                              { return nil }

func newManager(t *testing.T, driver llm.Driver) *llm.Manager {
	t.Helper()
	m := llm.NewManager("fake-backend", llm.GlobalConfig{})
	require.NoError(t, m.RegisterFactory("fake-backend", func() (llm.Driver, llm.DriverDefaults, llm.DriverCapabilities, error) {
		return driver, llm.DriverDefaults{Model: "fake-model"}, llm.DriverCapabilities{}, nil
	}))
	return m
}

func appendMessages(t *testing.T, store *memstore.Store, conversationID string, n int, tokensEach int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := convo.RoleUser
		if i%2 == 1 {
			role = convo.RoleAssistant
		}
		require.NoError(t, store.Messages.Append(context.Background(), &convo.Message{
			ID:             uuid(i),
			ConversationID: conversationID,
			Position:       i,
			Role:           role,
			Content:        "message content",
			TokenCount:     tokensEach,
		}))
	}
}

func uuid(i int) string {
	return "msg-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}

func TestCheckAndEnqueue_NoOpBelowMinMessages(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	driver := &fakeDriver{}
	w := NewWorker(queue.NewMemQueue(16), store.Conversations, store.Messages, store.Summaries, newManager(t, driver), Config{
		MinMessagesBeforeSummary: 20,
	})

	conv := &convo.Conversation{ID: "c1", Backend: "fake-backend"}
	require.NoError(t, store.Conversations.Create(ctx, conv))
	appendMessages(t, store, conv.ID, 5, 100)

	require.NoError(t, w.CheckAndEnqueue(ctx, conv.ID))

	summaries, err := store.Summaries.ListByConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestCheckAndEnqueue_NoOpBelowTokenThreshold(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	driver := &fakeDriver{}
	w := NewWorker(queue.NewMemQueue(16), store.Conversations, store.Messages, store.Summaries, newManager(t, driver), Config{
		Budget:                   1000,
		Threshold:                0.85,
		MinMessagesBeforeSummary: 5,
	})

	conv := &convo.Conversation{ID: "c1", Backend: "fake-backend"}
	require.NoError(t, store.Conversations.Create(ctx, conv))
	appendMessages(t, store, conv.ID, 10, 10) // 100 tokens total, well under 850

	require.NoError(t, w.CheckAndEnqueue(ctx, conv.ID))

	summaries, err := store.Summaries.ListByConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestCheckAndEnqueue_ClaimsRangeAndEnqueuesJobOverThreshold(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	driver := &fakeDriver{}
	q := queue.NewMemQueue(16)
	w := NewWorker(q, store.Conversations, store.Messages, store.Summaries, newManager(t, driver), Config{
		Budget:                   1000,
		Threshold:                0.5,
		Target:                   0.3,
		MinMessagesBeforeSummary: 5,
		MinRecentMessagesToKeep:  3,
	})

	conv := &convo.Conversation{ID: "c1", Backend: "fake-backend"}
	require.NoError(t, store.Conversations.Create(ctx, conv))
	appendMessages(t, store, conv.ID, 20, 50) // 1000 tokens total, well over the 500-token threshold

	require.NoError(t, w.CheckAndEnqueue(ctx, conv.ID))

	summaries, err := store.Summaries.ListByConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, convo.SummaryPending, summaries[0].Status)
	assert.Equal(t, 0, summaries[0].FromPosition)
	assert.Less(t, summaries[0].ToPosition, 19)
	assert.GreaterOrEqual(t, 19-summaries[0].ToPosition, 3)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, summaries[0].ID, job.Key)
}

func TestProcessOne_CompletesSummaryOnSuccessfulBackendCall(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	driver := &fakeDriver{response: &llm.Response{Content: "concise summary of the old messages"}}
	w := NewWorker(queue.NewMemQueue(16), store.Conversations, store.Messages, store.Summaries, newManager(t, driver), Config{})

	conv := &convo.Conversation{ID: "c1", Backend: "fake-backend"}
	require.NoError(t, store.Conversations.Create(ctx, conv))
	appendMessages(t, store, conv.ID, 5, 20)

	summary := &convo.Summary{ID: "s1", ConversationID: conv.ID, FromPosition: 0, ToPosition: 4, Status: convo.SummaryPending}
	require.NoError(t, store.Summaries.Put(ctx, summary))

	retry := w.processOne(ctx, summary.ID)
	assert.False(t, retry)

	got, err := store.Summaries.Get(ctx, summary.ID)
	require.NoError(t, err)
	assert.Equal(t, convo.SummaryCompleted, got.Status)
	assert.Equal(t, "concise summary of the old messages", got.Content)
	assert.Equal(t, 100, got.OriginalTokenCount)
	assert.Len(t, got.SummarizedMessageIDs, 5)
	assert.NotNil(t, got.CompletedAt)
}

func TestProcessOne_MarksFailedAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	driver := &fakeDriver{err: assertError{"backend unavailable"}}
	w := NewWorker(queue.NewMemQueue(16), store.Conversations, store.Messages, store.Summaries, newManager(t, driver), Config{})

	conv := &convo.Conversation{ID: "c1", Backend: "fake-backend"}
	require.NoError(t, store.Conversations.Create(ctx, conv))
	appendMessages(t, store, conv.ID, 5, 20)

	summary := &convo.Summary{ID: "s1", ConversationID: conv.ID, FromPosition: 0, ToPosition: 4, Status: convo.SummaryPending, Attempts: maxAttempts - 1}
	require.NoError(t, store.Summaries.Put(ctx, summary))

	retry := w.processOne(ctx, summary.ID)
	assert.False(t, retry)

	got, err := store.Summaries.Get(ctx, summary.ID)
	require.NoError(t, err)
	assert.Equal(t, convo.SummaryFailed, got.Status)
}

func TestProcessOne_RetriesOnFailureBelowMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	driver := &fakeDriver{err: assertError{"timeout"}}
	w := NewWorker(queue.NewMemQueue(16), store.Conversations, store.Messages, store.Summaries, newManager(t, driver), Config{})

	conv := &convo.Conversation{ID: "c1", Backend: "fake-backend"}
	require.NoError(t, store.Conversations.Create(ctx, conv))
	appendMessages(t, store, conv.ID, 5, 20)

	summary := &convo.Summary{ID: "s1", ConversationID: conv.ID, FromPosition: 0, ToPosition: 4, Status: convo.SummaryPending}
	require.NoError(t, store.Summaries.Put(ctx, summary))

	retry := w.processOne(ctx, summary.ID)
	assert.True(t, retry)

	got, err := store.Summaries.Get(ctx, summary.ID)
	require.NoError(t, err)
	assert.Equal(t, convo.SummaryPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestExtendPastPendingToolCalls_NeverSplitsCallFromResult(t *testing.T) {
	messages := []*convo.Message{
		{Position: 0, Role: convo.RoleUser, Content: "search for x"},
		{Position: 1, Role: convo.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "web_search"}}},
		{Position: 2, Role: convo.RoleTool, ToolCallID: "call-1"},
		{Position: 3, Role: convo.RoleAssistant, Content: "here's what I found"},
	}

	cut := extendPastPendingToolCalls(messages, 2)
	assert.Equal(t, 3, cut, "cut must move past the tool result correlating to the call at position 1")
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
