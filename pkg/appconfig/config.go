// Package appconfig loads the orchestrator's process configuration from
// environment variables, grounded on the teacher's pkg/config/env.go
// (.env loading, provider API key lookup) generalized from the teacher's
// single-provider-type switch to an open backend registry, since this
// module's backend set isn't fixed to {openai, anthropic, gemini}.
package appconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/nouscore/orchestrator/pkg/httpclient"
)

// RetrievalStrategy names which RAG retrieval mode to run.
type RetrievalStrategy string

const (
	RetrievalDense  RetrievalStrategy = "dense"
	RetrievalSparse RetrievalStrategy = "sparse"
	RetrievalHybrid RetrievalStrategy = "hybrid"
)

// RAGConfig holds the retrieval-pipeline tunables. A subset of these
// (TopK, Threshold, Strategy) are safe to hot-reload since they only
// affect the next query, not in-flight ingestion.
type RAGConfig struct {
	Enabled                   bool
	EmbeddingModel            string
	EmbeddingBatchSize        int
	RetrievalStrategy         RetrievalStrategy
	RetrievalTopK             int
	RetrievalThreshold        float64
	DocumentMaxTokensPerChunk int
	HyDEEnabled               bool
	QueryExpansionEnabled     bool
}

// BackendConfig holds the connection details for one LLM backend
// (openai, anthropic, ollama, ...), read from a `<PREFIX>_*` family of
// environment variables.
type BackendConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Timeout   time.Duration
	MaxTokens int

	// CACertificate and InsecureSkipVerify configure TLS trust for
	// self-hosted gateways behind an internal CA (ollama and
	// OpenAI-compatible proxies are the common case); both are empty/false
	// for the public OpenAI/Anthropic APIs.
	CACertificate      string
	InsecureSkipVerify bool
}

// TLSConfig returns the httpclient TLS configuration this backend needs,
// or nil if neither knob is set (the common case).
func (b BackendConfig) TLSConfig() *httpclient.TLSConfig {
	if b.CACertificate == "" && !b.InsecureSkipVerify {
		return nil
	}
	return &httpclient.TLSConfig{
		CACertificate:      b.CACertificate,
		InsecureSkipVerify: b.InsecureSkipVerify,
	}
}

// WebSearchConfig holds the connection details for the webtool's
// web_search handler, read from the AI_WEB_SEARCH_* family.
type WebSearchConfig struct {
	APIKey     string
	BaseURL    string
	MaxResults int
}

// Config is the orchestrator's full process configuration.
type Config struct {
	DefaultBackend       string
	SummarizationBackend string
	RAG                  RAGConfig
	Backends             map[string]BackendConfig
	WebSearch            WebSearchConfig
}

// knownBackendPrefixes lists the env var prefix for every backend this
// build knows how to wire a driver for. Adding a backend here is enough
// to pick up its API key / base URL / model / timeout / max-tokens from
// the environment; the driver registration itself lives in pkg/llm.
var knownBackendPrefixes = []string{"OPENAI", "ANTHROPIC", "OLLAMA"}

// Load reads configuration from the process environment, first loading
// `.env.local` and `.env` (in that order, first found wins per key)
// if present. Missing optional values fall back to the defaults
// documented alongside each field; AI_DEFAULT_BACKEND is required.
func Load() (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	defaultBackend := os.Getenv("AI_DEFAULT_BACKEND")
	if defaultBackend == "" {
		return nil, fmt.Errorf("appconfig: AI_DEFAULT_BACKEND is required")
	}

	summarizationBackend := getEnvOr("AI_SUMMARIZATION_BACKEND", defaultBackend)

	cfg := &Config{
		DefaultBackend:       defaultBackend,
		SummarizationBackend: summarizationBackend,
		RAG: RAGConfig{
			Enabled:                   getEnvBool("AI_RAG_ENABLED", false),
			EmbeddingModel:            os.Getenv("AI_RAG_EMBEDDING_MODEL"),
			EmbeddingBatchSize:        getEnvInt("AI_RAG_EMBEDDING_BATCH_SIZE", 100),
			RetrievalStrategy:         RetrievalStrategy(getEnvOr("AI_RETRIEVAL_STRATEGY", string(RetrievalHybrid))),
			RetrievalTopK:             getEnvInt("AI_RETRIEVAL_TOP_K", 10),
			RetrievalThreshold:        getEnvFloat("AI_RETRIEVAL_THRESHOLD", 0.3),
			DocumentMaxTokensPerChunk: getEnvInt("AI_DOCUMENT_MAX_TOKENS_PER_CHUNK", 1000),
			HyDEEnabled:               getEnvBool("AI_RAG_HYDE_ENABLED", false),
			QueryExpansionEnabled:     getEnvBool("AI_RAG_QUERY_EXPANSION", true),
		},
		Backends: make(map[string]BackendConfig, len(knownBackendPrefixes)),
		WebSearch: WebSearchConfig{
			APIKey:     os.Getenv("AI_WEB_SEARCH_API_KEY"),
			BaseURL:    getEnvOr("AI_WEB_SEARCH_BASE_URL", "https://api.tavily.com/search"),
			MaxResults: getEnvInt("AI_WEB_SEARCH_MAX_RESULTS", 5),
		},
	}

	for _, prefix := range knownBackendPrefixes {
		cfg.Backends[strings.ToLower(prefix)] = loadBackendConfig(prefix)
	}

	return cfg, nil
}

func loadBackendConfig(prefix string) BackendConfig {
	return BackendConfig{
		APIKey:             os.Getenv(prefix + "_API_KEY"),
		BaseURL:            os.Getenv(prefix + "_BASE_URL"),
		Model:              os.Getenv(prefix + "_MODEL"),
		Timeout:            getEnvDuration(prefix+"_TIMEOUT", 60*time.Second),
		MaxTokens:          getEnvInt(prefix+"_MAX_TOKENS", 0),
		CACertificate:      os.Getenv(prefix + "_CA_CERT"),
		InsecureSkipVerify: getEnvBool(prefix+"_TLS_INSECURE_SKIP_VERIFY", false),
	}
}

// Backend returns the config for a named backend and whether it was
// recognized (i.e. appears in knownBackendPrefixes).
func (c *Config) Backend(name string) (BackendConfig, bool) {
	b, ok := c.Backends[strings.ToLower(name)]
	return b, ok
}

// LoadEnvFiles loads .env.local then .env from the current directory,
// first-found-wins per key, without overwriting variables already set
// in the process environment. Both files are optional.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("appconfig: failed to load %s: %w", file, err)
		}
	}
	return nil
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
