// Package controller is the hub-side service. It validates operator
// commands, forwards them to the connected agent, and keeps the audit trail
// and the screenshot store.
package controller

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/pixelpilot/internal/journal"
	"github.com/dgnsrekt/pixelpilot/internal/protocol"
	"github.com/dgnsrekt/pixelpilot/internal/relay"
	"github.com/dgnsrekt/pixelpilot/internal/snapshot"
	"github.com/dgnsrekt/pixelpilot/internal/targets"
	"github.com/google/uuid"
)

// Agent is the command path to the browser agent. *channel.Server satisfies
// it.
type Agent interface {
	Send(ctx context.Context, cmd protocol.Command) (protocol.Response, error)
	Connected() bool
}

type Options struct {
	// KeepSnapshots bounds the snapshot store; 0 keeps everything.
	KeepSnapshots int
	// HealthTimeout bounds the get_tabs probe made by Health.
	HealthTimeout time.Duration
}

// Service forwards commands to the agent and records what happened.
type Service struct {
	agent   Agent
	snaps   *snapshot.Store
	journal *journal.Journal
	relay   *relay.Relay
	opts    Options
}

// NewService wires the hub service. snaps, j and r are optional.
func NewService(agent Agent, snaps *snapshot.Store, j *journal.Journal, r *relay.Relay, opts Options) *Service {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 3 * time.Second
	}
	return &Service{agent: agent, snaps: snaps, journal: j, relay: r, opts: opts}
}

// Result is the agent's response plus the snapshot persisted from it, if
// any.
type Result struct {
	Response protocol.Response      `json:"response"`
	Snapshot *snapshot.SnapshotMeta `json:"snapshot,omitempty"`
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &protocol.CodedError{Code: protocol.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

// Execute validates a raw command envelope and runs it.
func (s *Service) Execute(ctx context.Context, raw []byte) (Result, error) {
	cmd, err := protocol.ParseCommand(raw)
	if err != nil {
		return Result{}, err
	}
	return s.Run(ctx, cmd)
}

// Run validates cmd and sends it to the agent. A failed agent response is
// returned both in the Result and as its CodedError.
func (s *Service) Run(ctx context.Context, cmd protocol.Command) (Result, error) {
	return s.run(ctx, cmd, "")
}

// Capture runs a screenshot command and annotates the stored snapshot.
func (s *Service) Capture(ctx context.Context, cmd *protocol.Screenshot, notes string) (Result, error) {
	return s.run(ctx, cmd, strings.TrimSpace(notes))
}

func (s *Service) run(ctx context.Context, cmd protocol.Command, notes string) (Result, error) {
	if err := cmd.Validate(); err != nil {
		return Result{}, err
	}
	head := cmd.Head()
	if head.CommandID == "" {
		head.CommandID = uuid.NewString()
	}
	head.Stamp()

	start := time.Now()
	resp, err := s.agent.Send(ctx, cmd)
	entry := journal.CommandEntry{
		CommandID: head.CommandID,
		Type:      head.Type,
		TabID:     tabOf(cmd),
	}
	if err != nil {
		entry.Error = err.Error()
		entry.ErrorCode = protocol.CodeOf(err)
		entry.ElapsedMS = time.Since(start).Milliseconds()
		s.journal.RecordCommand(entry)
		slog.Warn("command not delivered", "command_id", head.CommandID, "type", head.Type, "error", err)
		return Result{}, err
	}

	res := Result{Response: resp}
	entry.Success = resp.Success
	entry.Message = resp.Message
	entry.Error = resp.Error
	entry.ErrorCode = resp.ErrorCode

	if resp.Success && head.Type == protocol.TypeScreenshot && s.snaps != nil {
		meta, perr := s.persist(resp, notes)
		if perr != nil {
			slog.Error("snapshot persist failed", "command_id", head.CommandID, "error", perr)
		} else {
			res.Snapshot = &meta
			entry.SnapshotID = meta.ID
		}
	}

	entry.ElapsedMS = time.Since(start).Milliseconds()
	s.journal.RecordCommand(entry)
	slog.Info("command completed",
		"command_id", head.CommandID,
		"type", head.Type,
		"success", resp.Success,
		"error_code", resp.ErrorCode,
		"elapsed_ms", entry.ElapsedMS,
	)
	if !resp.Success {
		return res, resp.Err()
	}
	return res, nil
}

func tabOf(cmd protocol.Command) int {
	switch c := cmd.(type) {
	case protocol.Targeted:
		return c.TargetTab()
	case *protocol.Tab:
		return c.TabID
	}
	return 0
}

func (s *Service) persist(resp protocol.Response, notes string) (snapshot.SnapshotMeta, error) {
	var capture protocol.CaptureResult
	if err := resp.DecodeData(&capture); err != nil {
		return snapshot.SnapshotMeta{}, fmt.Errorf("decode capture: %w", err)
	}
	imageData, err := base64.StdEncoding.DecodeString(capture.ImageData)
	if err != nil {
		return snapshot.SnapshotMeta{}, fmt.Errorf("decode image data: %w", err)
	}

	meta := snapshot.SnapshotMeta{
		ID:           snapshot.NewID(),
		CommandID:    resp.CommandID,
		TabID:        capture.TabID,
		Format:       capture.Format,
		Width:        capture.Width,
		Height:       capture.Height,
		SourceWidth:  capture.SourceWidth,
		SourceHeight: capture.SourceHeight,
		Cursor:       capture.Cursor != nil,
		CreatedAt:    time.Now().UTC(),
		Notes:        notes,
	}
	if meta.Format == "" {
		meta.Format = "jpeg"
	}
	if err := s.snaps.Save(meta, imageData); err != nil {
		return snapshot.SnapshotMeta{}, err
	}
	meta.SizeBytes = len(imageData)

	if s.opts.KeepSnapshots > 0 {
		if n, err := s.snaps.Prune(s.opts.KeepSnapshots); err != nil {
			slog.Warn("snapshot prune failed", "error", err)
		} else if n > 0 {
			slog.Debug("snapshots pruned", "removed", n)
		}
	}
	return meta, nil
}

// --- Agent events ---

// HandleEvent journals an agent event and publishes it to the relay.
func (s *Service) HandleEvent(evt protocol.Event) {
	s.journal.RecordEvent(journal.EventEntry{EventType: evt.EventType, Data: evt.Data})
	if s.relay != nil {
		s.relay.HandleEvent(evt)
	}
}

// HandleConnect reports agent connectivity changes.
func (s *Service) HandleConnect(connected bool) {
	slog.Info("agent connection changed", "connected", connected)
	data, _ := json.Marshal(map[string]bool{"connected": connected})
	s.journal.RecordEvent(journal.EventEntry{EventType: relay.EventConnection, Data: data})
	if s.relay != nil {
		s.relay.AgentConnection(connected)
	}
}

// --- Health ---

type Health struct {
	Status         string               `json:"status"`
	AgentConnected bool                 `json:"agent_connected"`
	ManagedTabs    int                  `json:"managed_tabs"`
	Tabs           []targets.TargetInfo `json:"tabs,omitempty"`
	Group          *targets.Group       `json:"group,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// Health reports agent connectivity. When an agent is connected it is
// probed with a managed get_tabs.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{Status: "degraded", AgentConnected: s.agent.Connected()}
	if !h.AgentConnected {
		h.Error = "no agent connected"
		return h
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.HealthTimeout)
	defer cancel()
	resp, err := s.agent.Send(ctx, &protocol.GetTabs{
		Header:      protocol.Header{Type: protocol.TypeGetTabs, CommandID: uuid.NewString()},
		ManagedOnly: true,
	})
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		h.Error = err.Error()
		return h
	}

	var tabs struct {
		Tabs  []targets.TargetInfo `json:"tabs"`
		Group *targets.Group       `json:"group"`
	}
	if len(resp.Data) > 0 {
		if err := resp.DecodeData(&tabs); err != nil {
			h.Error = err.Error()
			return h
		}
	}
	h.Status = "ok"
	h.ManagedTabs = len(tabs.Tabs)
	h.Tabs = tabs.Tabs
	h.Group = tabs.Group
	return h
}

// --- Snapshot methods ---

func (s *Service) snapshotStore() (*snapshot.Store, error) {
	if s.snaps == nil {
		return nil, &protocol.CodedError{Code: protocol.CodeSnapshotNotFound, Message: "snapshot store disabled"}
	}
	return s.snaps, nil
}

func (s *Service) ListSnapshots(ctx context.Context) ([]snapshot.SnapshotMeta, error) {
	if s.snaps == nil {
		return []snapshot.SnapshotMeta{}, nil
	}
	return s.snaps.List()
}

func (s *Service) GetSnapshot(ctx context.Context, id string) (snapshot.SnapshotMeta, error) {
	if err := s.requireNonEmpty(id, "snapshot_id"); err != nil {
		return snapshot.SnapshotMeta{}, err
	}
	store, err := s.snapshotStore()
	if err != nil {
		return snapshot.SnapshotMeta{}, err
	}

	meta, err := store.Get(strings.TrimSpace(id))
	if err != nil {
		return snapshot.SnapshotMeta{}, &protocol.CodedError{Code: protocol.CodeSnapshotNotFound, Message: err.Error()}
	}
	return meta, nil
}

func (s *Service) ReadSnapshotImage(ctx context.Context, id string) ([]byte, string, error) {
	if err := s.requireNonEmpty(id, "snapshot_id"); err != nil {
		return nil, "", err
	}
	store, err := s.snapshotStore()
	if err != nil {
		return nil, "", err
	}

	data, format, err := store.ReadImage(strings.TrimSpace(id))
	if err != nil {
		return nil, "", &protocol.CodedError{Code: protocol.CodeSnapshotNotFound, Message: err.Error()}
	}
	return data, format, nil
}

func (s *Service) DeleteSnapshot(ctx context.Context, id string) error {
	if err := s.requireNonEmpty(id, "snapshot_id"); err != nil {
		return err
	}
	store, err := s.snapshotStore()
	if err != nil {
		return err
	}

	if err := store.Delete(strings.TrimSpace(id)); err != nil {
		return &protocol.CodedError{Code: protocol.CodeSnapshotNotFound, Message: err.Error()}
	}
	return nil
}
