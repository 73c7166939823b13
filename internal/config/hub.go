package config

import (
	"strings"
)

// HubConfig holds configuration for pilotd.
type HubConfig struct {
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	CommandTimeoutMS int
	PingIntervalMS   int
	DeadAfterMS      int

	SnapshotDir   string
	SnapshotKeep  int
	JournalDir    string
	JournalBuffer int
	JournalMaxMB  int
	RelayConfig   string
	RelayBacklog  int

	LogLevel string
	LogFile  string
}

// LoadHub reads hub configuration from environment variables.
func LoadHub() (*HubConfig, error) {
	loadDotEnv()

	cfg := &HubConfig{
		BindAddr:         getEnvOrDefault("PILOT_BIND_ADDR", "127.0.0.1:8765"),
		PortCandidates:   getEnvListOrDefault("PILOT_PORT_CANDIDATES", []string{"127.0.0.1:8766", "127.0.0.1:8767"}),
		PortAutoFallback: getEnvBoolOrDefault("PILOT_PORT_AUTO_FALLBACK", true),
		CommandTimeoutMS: getEnvIntOrDefault("PILOT_COMMAND_TIMEOUT_MS", 30000),
		PingIntervalMS:   getEnvIntOrDefault("PILOT_PING_INTERVAL_MS", 20000),
		DeadAfterMS:      getEnvIntOrDefault("PILOT_DEAD_AFTER_MS", 30000),
		SnapshotDir:      getEnvOrDefault("PILOT_SNAPSHOT_DIR", "./snapshots"),
		SnapshotKeep:     getEnvIntOrDefault("PILOT_SNAPSHOT_KEEP", 500),
		JournalDir:       getEnvOrDefault("PILOT_JOURNAL_DIR", "./journal"),
		JournalBuffer:    getEnvIntOrDefault("PILOT_JOURNAL_BUFFER", 1000),
		JournalMaxMB:     getEnvIntOrDefault("PILOT_JOURNAL_MAX_MB", 100),
		RelayConfig:      getEnvOrDefault("PILOT_RELAY_CONFIG", ""),
		RelayBacklog:     getEnvIntOrDefault("PILOT_RELAY_BACKLOG", 64),
		LogLevel:         strings.ToLower(getEnvOrDefault("PILOT_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("PILOT_LOG_FILE", "logs/pilotd.log"),
	}
	if cfg.CommandTimeoutMS < 1000 {
		cfg.CommandTimeoutMS = 1000
	}
	return cfg, nil
}
