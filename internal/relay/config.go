package relay

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// FeedConfig routes agent event types onto a named feed. EventTypes are
// glob patterns; an empty list matches every event.
type FeedConfig struct {
	Name       string   `yaml:"name"`
	EventTypes []string `yaml:"event_types,omitempty"`
}

// RelayConfig is the top-level YAML configuration.
type RelayConfig struct {
	Backlog int          `yaml:"backlog,omitempty"`
	Feeds   []FeedConfig `yaml:"feeds"`
}

// DefaultConfig publishes every agent event on the "agent" feed.
func DefaultConfig() *RelayConfig {
	return &RelayConfig{Feeds: []FeedConfig{{Name: "agent"}}}
}

// LoadConfig reads and validates a relay YAML config file.
func LoadConfig(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	if _, err := cfg.compile(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type feedMatcher struct {
	name     string
	patterns []glob.Glob
}

func (f feedMatcher) match(eventType string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, g := range f.patterns {
		if g.Match(eventType) {
			return true
		}
	}
	return false
}

func (c *RelayConfig) compile() ([]feedMatcher, error) {
	if len(c.Feeds) == 0 {
		return nil, fmt.Errorf("relay config: no feeds")
	}
	out := make([]feedMatcher, 0, len(c.Feeds))
	for i, f := range c.Feeds {
		if f.Name == "" {
			return nil, fmt.Errorf("relay config: feed[%d] missing name", i)
		}
		m := feedMatcher{name: f.Name}
		for _, p := range f.EventTypes {
			g, err := glob.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("relay config: feed %s: pattern %q: %w", f.Name, p, err)
			}
			m.patterns = append(m.patterns, g)
		}
		out = append(out, m)
	}
	return out, nil
}
