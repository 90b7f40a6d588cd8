// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package convo

import (
	"context"
	"time"

	"github.com/nouscore/orchestrator/pkg/llm"
)

// MemoryPolicy controls whether a conversation's messages are indexed
// for conversation_search recall.
type MemoryPolicy string

const (
	MemoryPolicyNone     MemoryPolicy = ""
	MemoryPolicySemantic MemoryPolicy = "semantic"
)

// Agent is a named persona bound to one backend: free-text system
// instructions, an optional per-agent override of the backend's default
// model parameters, the user tools it exposes, and a memory policy.
type Agent struct {
	ID          string
	DisplayName string

	Instructions string

	BackendKey string
	ModelOverrides map[string]any

	Tools []llm.ToolSchema

	MemoryPolicy MemoryPolicy

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentStore persists Agent records.
type AgentStore interface {
	Create(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	Update(ctx context.Context, a *Agent) error
}
