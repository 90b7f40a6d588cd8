// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package llm

import (
	"fmt"

	"github.com/nouscore/orchestrator/pkg/registry"
)

// AgentBackendConfig is the slice of an Agent relevant to backend
// resolution: which driver it uses and its parameter overrides.
type AgentBackendConfig struct {
	BackendKey string
	Overrides  Overrides
}

// Factory builds a fresh, unconfigured Driver instance for one backend
// key. Called once per Manager.ForAgent so every call returns an
// independent driver owning its own transport, per the Backend Manager
// (C3) concurrency contract.
type Factory func() (Driver, DriverDefaults, DriverCapabilities, error)

// Manager resolves a driver + normalized config for an agent. Safe for
// concurrent use: ForAgent never mutates shared driver state, it only
// reads the registered factories and global config.
type Manager struct {
	factories   *registry.BaseRegistry[Factory]
	defaultKey  string
	global      GlobalConfig
	limitsTable map[string]ModelLimits // keyed by "driverKey/model"
}

// NewManager creates a Manager with defaultKey as the fallback backend
// when an agent doesn't name one, and global as the second merge layer
// applied to every resolved config.
func NewManager(defaultKey string, global GlobalConfig) *Manager {
	return &Manager{
		factories:   registry.NewBaseRegistry[Factory](),
		defaultKey:  defaultKey,
		global:      global,
		limitsTable: make(map[string]ModelLimits),
	}
}

// RegisterFactory makes a backend key resolvable by ForAgent.
func (m *Manager) RegisterFactory(key string, f Factory) error {
	return m.factories.Register(key, f)
}

// RegisterLimits records the known-limits entry for one (backend key,
// model) pair, consulted during normalization.
func (m *Manager) RegisterLimits(backendKey, model string, limits ModelLimits) {
	m.limitsTable[backendKey+"/"+model] = limits
}

// ForAgent resolves the driver and normalized config for agent,
// returning a driver clone bound to that config. The caller owns the
// returned driver and must Disconnect it when the turn ends.
func (m *Manager) ForAgent(agent AgentBackendConfig) (Driver, NormalizedConfig, error) {
	key := agent.BackendKey
	if key == "" {
		key = m.defaultKey
	}
	if key == "" {
		return nil, NormalizedConfig{}, fmt.Errorf("llm: no backend key given and no default configured")
	}

	factory, ok := m.factories.Get(key)
	if !ok {
		return nil, NormalizedConfig{}, fmt.Errorf("llm: unknown backend %q", key)
	}

	driver, defaults, caps, err := factory()
	if err != nil {
		return nil, NormalizedConfig{}, fmt.Errorf("llm: building driver %q: %w", key, err)
	}

	limits := m.limitsTable[key+"/"+defaults.Model]
	cfg := Normalize(defaults, m.global, agent.Overrides, caps, limits)

	return driver.WithConfig(cfg), cfg, nil
}
