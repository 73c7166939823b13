package agent

import (
	"log/slog"

	"github.com/dgnsrekt/pixelpilot/internal/channel"
	"github.com/dgnsrekt/pixelpilot/internal/protocol"
	"github.com/dgnsrekt/pixelpilot/internal/targets"
)

// EventStatus is the event type carrying the managed group after each
// status change.
const EventStatus = "status"

// Emitter writes unsolicited envelopes to the hub. *channel.Client
// satisfies it.
type Emitter interface {
	Emit(v any) error
}

// ReportStatus returns a targets.Manager status hook that forwards the group
// to the hub. Events raised while disconnected are dropped.
func ReportStatus(e Emitter) func(targets.Group) {
	return func(g targets.Group) {
		evt, err := protocol.NewEvent(EventStatus, g)
		if err != nil {
			slog.Warn("status event not encodable", "error", err)
			return
		}
		if err := e.Emit(evt); err != nil {
			slog.Debug("status event dropped", "status", g.Status, "error", err)
		}
	}
}

// StatusForState maps hub connectivity onto the managed group's status.
func StatusForState(s channel.ConnState) targets.Status {
	if s == channel.StateConnected {
		return targets.StatusActive
	}
	return targets.StatusDisconnected
}
