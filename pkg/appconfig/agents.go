package appconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UserToolDefinition describes one per-agent tool binding in an agent
// registry file: a name, a one-line description, and the JSON-Schema
// parameter object the model sees, grounded on the teacher's
// AgentConfig.Tools shape (pkg/config/agent.go) but carrying a full
// schema inline rather than a name reference, since this module has no
// separate named-tool-catalog file to resolve against.
type UserToolDefinition struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// AgentDefinition is one entry in an agent registry file: everything
// convo.Agent needs, expressed as YAML instead of constructed at
// runtime through an (unplanned) admin API.
type AgentDefinition struct {
	ID             string               `yaml:"id"`
	DisplayName    string               `yaml:"display_name"`
	Instructions   string               `yaml:"instructions"`
	Backend        string               `yaml:"backend"`
	ModelOverrides map[string]any       `yaml:"model_overrides,omitempty"`
	Tools          []UserToolDefinition `yaml:"tools,omitempty"`
	MemoryPolicy   string               `yaml:"memory_policy,omitempty"`
}

type agentRegistryFile struct {
	Agents []AgentDefinition `yaml:"agents"`
}

// LoadAgentDefinitions reads a YAML agent registry (the teacher's
// config-file-driven agent model, pkg/config/agent.go's AgentConfig,
// adapted from a full tree-of-agents config block to a flat list since
// this module has no sub-agent/transfer-tool delegation). A missing
// file is not an error: the process can still serve conversations for
// agents provisioned directly into the store by another means.
func LoadAgentDefinitions(path string) ([]AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("appconfig: reading agent registry %s: %w", path, err)
	}
	var doc agentRegistryFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("appconfig: parsing agent registry %s: %w", path, err)
	}
	for i, a := range doc.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("appconfig: agent registry %s: entry %d missing id", path, i)
		}
		if a.Backend == "" {
			return nil, fmt.Errorf("appconfig: agent registry %s: agent %q missing backend", path, a.ID)
		}
	}
	return doc.Agents, nil
}
