package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StartupTab is a page the agent opens into the managed group at startup.
type StartupTab struct {
	URL string `yaml:"url"`
}

// AgentProfile is the optional YAML profile read from AGENT_PROFILE.
type AgentProfile struct {
	// GroupTitle overrides the managed group's title.
	GroupTitle string       `yaml:"group_title,omitempty"`
	Tabs       []StartupTab `yaml:"tabs"`
}

// LoadProfile reads and validates an agent profile. The returned error wraps
// os.ErrNotExist when the file is absent.
func LoadProfile(path string) (*AgentProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent profile: %w", err)
	}
	var p AgentProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("agent profile: %w", err)
	}
	for i, t := range p.Tabs {
		if t.URL == "" {
			return nil, fmt.Errorf("agent profile: tabs[%d] missing url", i)
		}
	}
	return &p, nil
}
