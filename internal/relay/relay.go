package relay

import (
	"encoding/json"
	"log/slog"

	"github.com/dgnsrekt/pixelpilot/internal/protocol"
)

// EventConnection is the event type the hub publishes when the agent
// connects or drops.
const EventConnection = "connection"

// Relay routes agent events onto the configured feeds of a Broker.
type Relay struct {
	feeds  []feedMatcher
	broker *Broker
}

// NewRelay creates a relay engine. A nil cfg uses DefaultConfig.
func NewRelay(cfg *RelayConfig, broker *Broker) (*Relay, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	feeds, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	return &Relay{feeds: feeds, broker: broker}, nil
}

// HandleEvent publishes evt on every feed whose patterns match its type.
// It returns the number of feeds it reached.
func (r *Relay) HandleEvent(evt protocol.Event) int {
	payload, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("relay event not encodable", "event_type", evt.EventType, "error", err)
		return 0
	}
	n := 0
	for _, f := range r.feeds {
		if !f.match(evt.EventType) {
			continue
		}
		r.broker.Publish(f.name, string(payload))
		n++
	}
	slog.Debug("relay event published", "event_type", evt.EventType, "feeds", n)
	return n
}

// AgentConnection publishes a connection event for the agent.
func (r *Relay) AgentConnection(connected bool) {
	evt, err := protocol.NewEvent(EventConnection, map[string]bool{"connected": connected})
	if err != nil {
		return
	}
	r.HandleEvent(evt)
}
