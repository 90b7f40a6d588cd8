// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Command orchestratord wires the orchestrator's components into an HTTP
// server and its background workers, grounded on the teacher's
// executeServeCommand (cmd/hector/serve.go): load config, construct
// every component, start background loops, serve until signaled, shut
// down gracefully. Generalized from the teacher's multi-transport (gRPC
// + REST gateway + JSON-RPC) bootstrap into this module's single REST+SSE
// surface. Process configuration stays env-driven (appconfig.Config),
// but the teacher's config-file-driven agent registry survives as a
// narrower YAML agent-definitions file (appconfig.LoadAgentDefinitions),
// since conversations need agents to already exist and spec.md names no
// agent-management HTTP endpoint to create them through.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nouscore/orchestrator/pkg/appconfig"
	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/convo/memstore"
	"github.com/nouscore/orchestrator/pkg/ctxwindow"
	"github.com/nouscore/orchestrator/pkg/embedder"
	"github.com/nouscore/orchestrator/pkg/llm"
	"github.com/nouscore/orchestrator/pkg/logger"
	"github.com/nouscore/orchestrator/pkg/observability"
	"github.com/nouscore/orchestrator/pkg/promptbuilder"
	"github.com/nouscore/orchestrator/pkg/queue"
	"github.com/nouscore/orchestrator/pkg/rag"
	"github.com/nouscore/orchestrator/pkg/ratelimit"
	"github.com/nouscore/orchestrator/pkg/retrieval"
	"github.com/nouscore/orchestrator/pkg/sse"
	"github.com/nouscore/orchestrator/pkg/summarize"
	"github.com/nouscore/orchestrator/pkg/tool"
	"github.com/nouscore/orchestrator/pkg/tool/doctool"
	"github.com/nouscore/orchestrator/pkg/tool/memtool"
	"github.com/nouscore/orchestrator/pkg/tool/todotool"
	"github.com/nouscore/orchestrator/pkg/tool/webtool"
	"github.com/nouscore/orchestrator/pkg/transport"
	"github.com/nouscore/orchestrator/pkg/turnengine"
)

func main() {
	level, err := logger.ParseLevel(getEnvOr("AI_LOG_LEVEL", "info"))
	if err != nil {
		level = slog.LevelInfo
	}
	logger.Init(level, os.Stderr, getEnvOr("AI_LOG_FORMAT", "simple"))

	cfg, err := appconfig.Load()
	if err != nil {
		slog.Error("orchestratord: loading config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obsMgr, err := observability.NewFromConfig(ctx, observabilityConfig())
	if err != nil {
		slog.Error("orchestratord: initializing observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obsMgr.Shutdown(shutdownCtx); err != nil {
			slog.Warn("orchestratord: observability shutdown", "error", err)
		}
	}()

	store := memstore.New()

	if err := seedAgents(ctx, store.Agents, getEnvOr("AI_AGENTS_FILE", "agents.yaml")); err != nil {
		slog.Error("orchestratord: seeding agent registry", "error", err)
		os.Exit(1)
	}

	manager := llm.NewManager(cfg.DefaultBackend, llm.GlobalConfig{})
	registerBackends(manager, cfg)

	turnJobs := buildQueue("AI_TURN_QUEUE")
	ingestJobs := buildQueue("AI_INGEST_QUEUE")
	summarizeJobs := buildQueue("AI_SUMMARIZE_QUEUE")

	ingestEmbedder, embedderDriver, err := resolveEmbedder(manager, cfg)
	if err != nil {
		slog.Error("orchestratord: resolving RAG embedder", "error", err)
		os.Exit(1)
	}
	if embedderDriver != nil {
		defer embedderDriver.Disconnect()
	}

	pipeline := rag.NewPipeline(rag.PipelineConfig{
		EmbeddingModel:            cfg.RAG.EmbeddingModel,
		DocumentMaxTokensPerChunk: cfg.RAG.DocumentMaxTokensPerChunk,
		ChunkOverlapTokens:        cfg.RAG.DocumentMaxTokensPerChunk / 10,
	}, store.Documents, store.Embeddings, embedderDriver, llm.NewTokenCounter(cfg.RAG.EmbeddingModel).Count)
	pipeline.Metrics = obsMgr.Metrics()
	ragWorker := rag.NewWorker(ingestJobs, pipeline, fetchRawNoop)

	memHandler := memtool.NewHandler(store.MessageEmbeddings, store.Messages, ingestEmbedder)
	memHandler.Metrics = obsMgr.Metrics()

	dispatcher := tool.NewDispatcher(
		todotool.NewHandler(todotool.New()),
		webtool.NewHandler(webSearchConfig(cfg), store.Documents, ingestJobs),
		doctool.NewHandler(store.Documents, ingestEmbedder),
		memHandler,
	)

	summarizer := summarize.NewWorker(summarizeJobs, store.Conversations, store.Messages, store.Summaries, manager, summarize.Config{
		BackendKey: cfg.SummarizationBackend,
	})

	contextBuilder := &retrieval.Builder{
		Manager:           manager,
		Documents:         store.Documents,
		MessageEmbeddings: store.MessageEmbeddings,
		Messages:          store.Messages,
		Config:            cfg.RAG,
		Metrics:           obsMgr.Metrics(),
	}
	if watcher, err := appconfig.NewWatcher(".env", cfg.RAG); err == nil {
		contextBuilder.Live = watcher
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("orchestratord: config watcher stopped", "error", err)
			}
		}()
	} else {
		slog.Info("orchestratord: RAG config hot-reload disabled", "error", err)
	}

	broadcaster := sse.NewBroadcaster()

	engine := &turnengine.Engine{
		Conversations: store.Conversations,
		Messages:      store.Messages,
		Agents:        store.Agents,
		Summaries:     store.Summaries,
		Manager:       manager,
		Dispatcher:    dispatcher,
		Assembler:     promptbuilder.NewAssembler(),
		Planner:       ctxwindow.NewPlanner(llm.NewTokenCounter(defaultModel(cfg))),
		Broadcaster:   broadcaster,
		Jobs:          turnJobs,
		Context:       contextBuilder,
		Summarizer:    summarizer,
		Tracer:        obsMgr.Tracer(),
		Metrics:       obsMgr.Metrics(),
	}

	server := transport.NewServer(store.Conversations, store.Messages, store.Agents, engine, broadcaster, turnJobs)
	server.RateLimiter = buildRateLimiter()
	engine.ClientTools = server.ClientToolsForConversation

	go runTurnConsumer(ctx, engine, turnJobs)
	go func() {
		if err := ragWorker.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("orchestratord: rag worker stopped", "error", err)
		}
	}()
	go func() {
		if err := summarizer.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("orchestratord: summarize worker stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/", server.Routes())
	mux.Handle(obsMgr.MetricsEndpoint(), obsMgr.MetricsHandler())

	addr := getEnvOr("AI_HTTP_ADDR", ":8080")
	httpServer := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("orchestratord: listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("orchestratord: shutting down")
	case err := <-errCh:
		slog.Error("orchestratord: server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("orchestratord: graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}

// runTurnConsumer drains turnJobs, running one RunTurn per job. Unlike
// rag.Worker and summarize.Worker, turnengine.Engine has no Run loop of
// its own: each turn may re-enqueue itself (another tool round) or pause
// for a client tool, so the loop here only owns dequeue/Done, not retry
// policy.
func runTurnConsumer(ctx context.Context, engine *turnengine.Engine, jobs queue.Queue) {
	for {
		job, err := jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("orchestratord: dequeuing turn job", "error", err)
			continue
		}
		conversationID := string(job.Payload)
		if err := engine.RunTurn(ctx, conversationID); err != nil {
			slog.Error("orchestratord: turn failed", "conversation_id", conversationID, "error", err)
		}
		if err := jobs.Done(ctx, job.Key); err != nil {
			slog.Error("orchestratord: releasing turn job dedup key", "conversation_id", conversationID, "error", err)
		}
	}
}

// registerBackends registers a driver factory for every known backend
// that has an API key (or, for ollama, a base URL) configured.
func registerBackends(manager *llm.Manager, cfg *appconfig.Config) {
	if b, ok := cfg.Backend("openai"); ok && b.APIKey != "" {
		backend := b
		must(manager.RegisterFactory("openai", func() (llm.Driver, llm.DriverDefaults, llm.DriverCapabilities, error) {
			driver := llm.NewOpenAIDriver(backend.BaseURL, backend.APIKey, backend.Timeout, backend.TLSConfig())
			return driver, llm.DriverDefaults{Model: backend.Model, MaxTokens: backend.MaxTokens, Timeout: int(backend.Timeout.Seconds())},
				llm.DriverCapabilities{SupportsTopK: false, SupportsFrequencyPenalty: true, SupportsPresencePenalty: true}, nil
		}))
	}
	if b, ok := cfg.Backend("anthropic"); ok && b.APIKey != "" {
		backend := b
		must(manager.RegisterFactory("anthropic", func() (llm.Driver, llm.DriverDefaults, llm.DriverCapabilities, error) {
			driver := llm.NewAnthropicDriver(backend.BaseURL, backend.APIKey, backend.Timeout, backend.TLSConfig())
			return driver, llm.DriverDefaults{Model: backend.Model, MaxTokens: backend.MaxTokens, Timeout: int(backend.Timeout.Seconds())},
				llm.DriverCapabilities{SupportsTopK: true, SupportsFrequencyPenalty: false, SupportsPresencePenalty: false}, nil
		}))
	}
	if b, ok := cfg.Backend("ollama"); ok && b.BaseURL != "" {
		backend := b
		must(manager.RegisterFactory("ollama", func() (llm.Driver, llm.DriverDefaults, llm.DriverCapabilities, error) {
			driver := llm.NewOllamaDriver(backend.BaseURL, backend.Timeout, backend.TLSConfig())
			return driver, llm.DriverDefaults{Model: backend.Model, MaxTokens: backend.MaxTokens, Timeout: int(backend.Timeout.Seconds())},
				llm.DriverCapabilities{SupportsTopK: true, SupportsFrequencyPenalty: true, SupportsPresencePenalty: true}, nil
		}))
	}
}

// seedAgents loads path (a YAML agent registry, skipped silently if
// absent) and creates one convo.Agent per entry. The store is freshly
// constructed in-process, so every entry is a fresh Create; memstore's
// Create silently replaces any agent already stored under the same ID.
func seedAgents(ctx context.Context, agents convo.AgentStore, path string) error {
	defs, err := appconfig.LoadAgentDefinitions(path)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, d := range defs {
		agent := &convo.Agent{
			ID:             d.ID,
			DisplayName:    d.DisplayName,
			Instructions:   d.Instructions,
			BackendKey:     d.Backend,
			ModelOverrides: d.ModelOverrides,
			Tools:          toToolSchemas(d.Tools),
			MemoryPolicy:   convo.MemoryPolicy(d.MemoryPolicy),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := agents.Create(ctx, agent); err != nil {
			return fmt.Errorf("orchestratord: creating agent %q: %w", d.ID, err)
		}
	}
	if len(defs) > 0 {
		slog.Info("orchestratord: loaded agent registry", "path", path, "count", len(defs))
	}
	return nil
}

func toToolSchemas(defs []appconfig.UserToolDefinition) []llm.ToolSchema {
	if len(defs) == 0 {
		return nil
	}
	schemas := make([]llm.ToolSchema, len(defs))
	for i, d := range defs {
		schemas[i] = llm.ToolSchema{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return schemas
}

// resolveEmbedder builds the single embedder instance doctool, memtool,
// and the ingestion pipeline share: none of them take a per-call backend
// choice, so the configured embedding model is bound once for the
// process's lifetime against the default backend. Returns a nil embedder
// and driver (not an error) when no embedding model is configured at
// all, since every embedding-backed tool is then unreachable regardless
// of AI_RAG_ENABLED (which only gates automatic RAGContext retrieval,
// not manual document_search/conversation_search tool calls).
func resolveEmbedder(manager *llm.Manager, cfg *appconfig.Config) (embedder.Embedder, llm.Driver, error) {
	if cfg.RAG.EmbeddingModel == "" {
		return nil, nil, nil
	}
	driver, _, err := manager.ForAgent(llm.AgentBackendConfig{BackendKey: cfg.DefaultBackend})
	if err != nil {
		return nil, nil, fmt.Errorf("resolving embedding backend: %w", err)
	}
	adapter, err := embedder.NewDriverAdapter(driver, cfg.RAG.EmbeddingModel)
	if err != nil {
		driver.Disconnect()
		return nil, nil, err
	}
	return adapter, driver, nil
}

// defaultModel returns the model name ctxwindow's fallback TokenCounter
// should estimate against: the default backend's configured model, or
// "gpt-4" (picking tiktoken's cl100k_base encoding) when unset, since
// the planner only ever uses this as an estimate for messages that
// arrive without a cached TokenCount.
func defaultModel(cfg *appconfig.Config) string {
	if b, ok := cfg.Backend(cfg.DefaultBackend); ok && b.Model != "" {
		return b.Model
	}
	return "gpt-4"
}

func fetchRawNoop(ctx context.Context, documentID string) ([]byte, error) {
	return nil, fmt.Errorf("orchestratord: document %s has no re-fetchable source; ingestion must resume from a recorded stage", documentID)
}

func webSearchConfig(cfg *appconfig.Config) webtool.Config {
	c := webtool.DefaultConfig()
	if cfg.WebSearch.APIKey != "" {
		c.SearchAPIKey = cfg.WebSearch.APIKey
	}
	if cfg.WebSearch.BaseURL != "" {
		c.SearchBaseURL = cfg.WebSearch.BaseURL
	}
	if cfg.WebSearch.MaxResults > 0 {
		c.SearchMaxCap = cfg.WebSearch.MaxResults
	}
	return c
}

// buildQueue picks a RedisQueue when <prefix>_REDIS_ADDR is set,
// otherwise an in-process MemQueue; every queue in this process is
// independent, so a mixed deployment (durable turn queue, in-memory
// ingest queue) is a valid configuration.
func buildQueue(envPrefix string) queue.Queue {
	addr := os.Getenv(envPrefix + "_REDIS_ADDR")
	if addr == "" {
		return queue.NewMemQueue(1024)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return queue.NewRedisQueue(client, "orchestrator:"+envPrefix, 24*time.Hour)
}

// buildRateLimiter returns nil (disabled) unless AI_RATE_LIMIT_PER_MINUTE
// names a positive per-conversation request ceiling.
func buildRateLimiter() ratelimit.RateLimiter {
	limit := int64(getEnvInt("AI_RATE_LIMIT_PER_MINUTE", 0))
	if limit <= 0 {
		return nil
	}
	cfg := &ratelimit.Config{
		Enabled: true,
		Limits: []ratelimit.LimitRule{
			{Type: ratelimit.LimitTypeCount, Window: ratelimit.WindowMinute, Limit: limit},
		},
	}
	limiter, err := ratelimit.NewRateLimiter(cfg, ratelimit.NewMemoryStore())
	if err != nil {
		slog.Error("orchestratord: building rate limiter", "error", err)
		os.Exit(1)
	}
	return limiter
}

func observabilityConfig() *observability.Config {
	cfg := &observability.Config{}
	cfg.Tracing.Enabled = getEnvBool("AI_TRACING_ENABLED", false)
	cfg.Metrics.Enabled = getEnvBool("AI_METRICS_ENABLED", true)
	return cfg
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || v == "true"
}

func must(err error) {
	if err != nil {
		slog.Error("orchestratord: registering backend factory", "error", err)
		os.Exit(1)
	}
}
