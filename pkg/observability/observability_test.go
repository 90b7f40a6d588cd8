package observability

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecording(t *testing.T) {
	metrics, err := NewMetrics(&MetricsConfig{Enabled: true})
	require.NoError(t, err)
	require.NotNil(t, metrics)

	metrics.RecordToolCall("todo_add", 10*time.Millisecond)
	metrics.RecordLLMCall("fake-model", "fake", 50*time.Millisecond)
	metrics.RecordLLMTokens("fake-model", "fake", 5, 5)
	metrics.RecordRAGSearch("hybrid", 5*time.Millisecond, 3)
	metrics.RecordRAGDocIndexed("hybrid", 20*time.Millisecond)
	metrics.RecordRAGDocError("hybrid")
	metrics.RecordMemorySearch("message_embeddings", 2*time.Millisecond)
}

func TestMetricsDisabledReturnsNil(t *testing.T) {
	metrics, err := NewMetrics(&MetricsConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, metrics)
}

func TestMetricsHandlerServesPrometheusFormat(t *testing.T) {
	metrics, err := NewMetrics(&MetricsConfig{Enabled: true})
	require.NoError(t, err)
	metrics.RecordToolCall("todo_add", time.Millisecond)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	metrics.Handler().ServeHTTP(rr, req)
	assert.Equal(t, 200, rr.Code)
}

func TestNoopManagerIsNilSafe(t *testing.T) {
	m := NoopManager()
	assert.False(t, m.TracingEnabled())
	assert.False(t, m.MetricsEnabled())
	assert.Nil(t, m.Tracer())
	assert.Nil(t, m.Metrics())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestNoopMetricsSatisfiesRecorder(t *testing.T) {
	var r Recorder = NoopMetrics{}
	r.RecordToolCall("tool", time.Millisecond)
	r.RecordHTTPRequest("GET", "/metrics", 503, time.Millisecond, 0, 0)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	NoopMetrics{}.Handler().ServeHTTP(rr, req)
	assert.Equal(t, 503, rr.Code)
}

func TestTracerDisabledIsNilSafe(t *testing.T) {
	tracer, err := NewTracer(context.Background(), &TracingConfig{Enabled: false})
	require.NoError(t, err)

	ctx, span := tracer.StartTurn(context.Background(), "conv-1", "agent-1", 1, 10)
	assert.NotNil(t, ctx)
	tracer.AddLLMUsage(span, 5, 5)
	tracer.RecordError(span, nil)
	span.End()

	require.NoError(t, tracer.Shutdown(context.Background()))
}

func TestDebugExporterCapturesKnownSpans(t *testing.T) {
	exp := NewDebugExporter()
	assert.Equal(t, 0, exp.Count())
	assert.True(t, exp.shouldCapture(SpanTurn))
	assert.False(t, exp.shouldCapture("unrelated.span"))
}

func TestManagerBuildsNoopWhenDisabled(t *testing.T) {
	mgr, err := NewManager(context.Background(), &Config{})
	require.NoError(t, err)
	require.NotNil(t, mgr)
	assert.False(t, mgr.TracingEnabled())
	assert.False(t, mgr.MetricsEnabled())
	require.NoError(t, mgr.Shutdown(context.Background()))
}
