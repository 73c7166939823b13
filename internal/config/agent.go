package config

import (
	"fmt"
	"strings"

	"github.com/dgnsrekt/pixelpilot/internal/session"
)

// AgentConfig holds configuration for pilot-agent.
type AgentConfig struct {
	CDPAddress string
	CDPPort    int
	HubURL     string

	LaunchBrowser bool
	Headless      bool
	BrowserDir    string

	ProfilePath string
	NotifyURL   string

	ReferenceWidth  int
	ReferenceHeight int
	CallTimeoutMS   int
	SessionIdleMS   int
	Restricted      []string

	LogLevel string
	LogFile  string
}

// LoadAgent reads agent configuration from environment variables.
func LoadAgent() (*AgentConfig, error) {
	loadDotEnv()

	cfg := &AgentConfig{
		CDPAddress:      getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:         getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		HubURL:          getEnvOrDefault("AGENT_HUB_URL", "ws://127.0.0.1:8765/ws"),
		LaunchBrowser:   getEnvBoolOrDefault("AGENT_LAUNCH_BROWSER", false),
		Headless:        getEnvBoolOrDefault("AGENT_HEADLESS", false),
		BrowserDir:      getEnvOrDefault("AGENT_BROWSER_DIR", "./browser_profile"),
		ProfilePath:     getEnvOrDefault("AGENT_PROFILE", ""),
		NotifyURL:       getEnvOrDefault("AGENT_NOTIFY_URL", ""),
		ReferenceWidth:  getEnvIntOrDefault("PILOT_REFERENCE_WIDTH", 1280),
		ReferenceHeight: getEnvIntOrDefault("PILOT_REFERENCE_HEIGHT", 720),
		CallTimeoutMS:   getEnvIntOrDefault("AGENT_CALL_TIMEOUT_MS", 10000),
		SessionIdleMS:   getEnvIntOrDefault("AGENT_SESSION_IDLE_MS", 30000),
		Restricted:      getEnvListOrDefault("AGENT_RESTRICTED_URLS", session.DefaultRestricted),
		LogLevel:        strings.ToLower(getEnvOrDefault("AGENT_LOG_LEVEL", "info")),
		LogFile:         getEnvOrDefault("AGENT_LOG_FILE", "logs/pilot_agent.log"),
	}
	if cfg.ReferenceWidth < 1 || cfg.ReferenceHeight < 1 {
		return nil, fmt.Errorf("reference size must be positive, got %dx%d", cfg.ReferenceWidth, cfg.ReferenceHeight)
	}
	if !strings.HasPrefix(cfg.HubURL, "ws://") && !strings.HasPrefix(cfg.HubURL, "wss://") {
		return nil, fmt.Errorf("AGENT_HUB_URL must be a ws:// or wss:// url, got %q", cfg.HubURL)
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *AgentConfig) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}
