package appconfig

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_RequiresDefaultBackend(t *testing.T) {
	clearEnv(t, "AI_DEFAULT_BACKEND")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_SummarizationBackendFallsBackToDefault(t *testing.T) {
	clearEnv(t, "AI_DEFAULT_BACKEND", "AI_SUMMARIZATION_BACKEND")
	os.Setenv("AI_DEFAULT_BACKEND", "openai")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.SummarizationBackend)
}

func TestLoad_RAGDefaults(t *testing.T) {
	clearEnv(t, "AI_DEFAULT_BACKEND", "AI_RAG_ENABLED", "AI_RETRIEVAL_STRATEGY",
		"AI_RETRIEVAL_TOP_K", "AI_RETRIEVAL_THRESHOLD", "AI_DOCUMENT_MAX_TOKENS_PER_CHUNK")
	os.Setenv("AI_DEFAULT_BACKEND", "openai")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.RAG.Enabled)
	assert.Equal(t, RetrievalHybrid, cfg.RAG.RetrievalStrategy)
	assert.Equal(t, 10, cfg.RAG.RetrievalTopK)
	assert.InDelta(t, 0.3, cfg.RAG.RetrievalThreshold, 0.0001)
	assert.Equal(t, 1000, cfg.RAG.DocumentMaxTokensPerChunk)
}

func TestLoad_PerBackendConfig(t *testing.T) {
	clearEnv(t, "AI_DEFAULT_BACKEND", "OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL", "OPENAI_TIMEOUT")
	os.Setenv("AI_DEFAULT_BACKEND", "openai")
	os.Setenv("OPENAI_API_KEY", "sk-test")
	os.Setenv("OPENAI_MODEL", "gpt-4o")
	os.Setenv("OPENAI_TIMEOUT", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	b, ok := cfg.Backend("openai")
	require.True(t, ok)
	assert.Equal(t, "sk-test", b.APIKey)
	assert.Equal(t, "gpt-4o", b.Model)
	assert.Equal(t, 30*time.Second, b.Timeout)
}

func TestLoad_UnknownBackendNotFound(t *testing.T) {
	clearEnv(t, "AI_DEFAULT_BACKEND")
	os.Setenv("AI_DEFAULT_BACKEND", "openai")

	cfg, err := Load()
	require.NoError(t, err)
	_, ok := cfg.Backend("does-not-exist")
	assert.False(t, ok)
}
