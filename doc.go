// Package orchestrator provides the building blocks of a conversational
// AI orchestrator: a turn engine that drives an agent through one or more
// LLM round-trips, a backend abstraction that normalizes OpenAI, Anthropic,
// and Ollama wire dialects to one streaming contract, a RAG pipeline for
// grounding responses in retrieved documents, and an SSE broadcaster that
// streams turn progress to clients in real time.
//
// # Using as a Go Library
//
// Import specific packages rather than the root package:
//
//	import (
//	    "github.com/nouscore/orchestrator/pkg/llm"
//	    "github.com/nouscore/orchestrator/pkg/turnengine"
//	    "github.com/nouscore/orchestrator/pkg/convo"
//	)
//
// # Key Components
//
//   - Agent Turn Engine: drives a conversation through backend calls and
//     tool dispatch until the model emits a final answer or the turn cap
//     is reached
//   - Backend Abstraction: a single Driver interface behind OpenAI,
//     Anthropic, and Ollama implementations, each normalizing its own
//     streaming wire format into one event stream
//   - RAG Pipeline: document ingestion, chunking, embedding, and hybrid
//     dense+sparse retrieval with reciprocal rank fusion
//   - SSE Broadcaster: per-conversation event fan-out to HTTP clients
//
// # Status
//
// This project is under active development; APIs may change.
//
// # License
//
// AGPL-3.0.
package orchestrator
