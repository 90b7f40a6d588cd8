// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Package transport exposes the orchestrator's client-facing REST+SSE
// API over a chi router, grounded on the teacher's REST gateway
// (pkg/transport/rest_gateway.go) for routing/middleware shape, but
// generalized from a grpc-gateway proxy in front of an A2A gRPC service
// into a direct handler layer in front of turnengine.Engine, since this
// module has no gRPC service to proxy to. Endpoints follow spec.md §6.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nouscore/orchestrator/pkg/convo"
	"github.com/nouscore/orchestrator/pkg/llm"
	"github.com/nouscore/orchestrator/pkg/observability"
	"github.com/nouscore/orchestrator/pkg/queue"
	"github.com/nouscore/orchestrator/pkg/ratelimit"
	"github.com/nouscore/orchestrator/pkg/sse"
	"github.com/nouscore/orchestrator/pkg/turnengine"
)

// Server wires the persisted stores, the turn engine, and the SSE
// broadcaster into an http.Handler.
type Server struct {
	Conversations convo.ConversationStore
	Messages      convo.MessageStore
	Agents        convo.AgentStore

	Engine      *turnengine.Engine
	Broadcaster *sse.Broadcaster
	Jobs        queue.Queue

	// RateLimiter is optional; nil disables request throttling entirely.
	RateLimiter ratelimit.RateLimiter

	mu          sync.Mutex
	clientTools map[string][]llm.ToolSchema // conversation id -> client-advertised tools, set on message post
}

// NewServer builds a Server. All fields on the struct are required
// except those with zero-value defaults documented on their own type.
func NewServer(conversations convo.ConversationStore, messages convo.MessageStore, agents convo.AgentStore, engine *turnengine.Engine, broadcaster *sse.Broadcaster, jobs queue.Queue) *Server {
	return &Server{
		Conversations: conversations,
		Messages:      messages,
		Agents:        agents,
		Engine:        engine,
		Broadcaster:   broadcaster,
		Jobs:          jobs,
		clientTools:   make(map[string][]llm.ToolSchema),
	}
}

// Routes builds the chi router for the six endpoints spec.md §6 names.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(slogLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if s.Engine != nil && (s.Engine.Tracer != nil || s.Engine.Metrics != nil) {
		r.Use(observability.HTTPMiddleware(s.Engine.Tracer, s.Engine.Metrics))
	}

	// Rate limiting only guards the endpoints that trigger LLM work
	// (posting a message re-enqueues a turn job); listing history and
	// streaming an already-running turn never do, so they stay exempt
	// rather than competing with POST traffic for the same budget.
	limited := func(next http.HandlerFunc) http.HandlerFunc {
		if s.RateLimiter == nil {
			return next
		}
		mw := ratelimit.Middleware(ratelimit.MiddlewareConfig{Limiter: s.RateLimiter})
		return mw(next).ServeHTTP
	}

	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", limited(s.createConversation))
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Post("/messages", limited(s.postMessage))
			r.Get("/messages", s.listMessages)
			r.Get("/stream", s.streamConversation)
			r.Post("/cancel", s.cancelConversation)
			r.Post("/tools/{toolCallID}/result", s.postToolResult)
		})
	})

	return r
}

// ClientToolsForConversation implements turnengine.ClientToolsResolver,
// returning whatever tool set the most recent POSTed message advertised.
func (s *Server) ClientToolsForConversation(_ context.Context, conversationID string) ([]llm.ToolSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientTools[conversationID], nil
}

func (s *Server) setClientTools(conversationID string, tools []llm.ToolSchema) {
	if len(tools) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientTools[conversationID] = tools
}
