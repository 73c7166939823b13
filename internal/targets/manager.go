package targets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dgnsrekt/pixelpilot/internal/protocol"
)

const (
	DefaultTitle         = "PixelPilot"
	DefaultSweepInterval = 30 * time.Second
	DefaultIdleAfter     = 60 * time.Second

	labelWriteTimeout = 5 * time.Second
)

type Config struct {
	Title         string
	SweepInterval time.Duration
	IdleAfter     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Title == "" {
		c.Title = DefaultTitle
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = DefaultIdleAfter
	}
	return c
}

// Manager owns the managed group. Membership changes are serialized; the
// browser and grouper are only called outside the state lock.
type Manager struct {
	browser Browser
	grouper Grouper
	reg     *Registry
	cfg     Config
	now     func() time.Time

	// opMu serializes group creation and membership changes.
	opMu sync.Mutex

	mu           sync.Mutex
	group        *Group
	degraded     bool
	members      map[int]string
	lastTouch    map[int]time.Time
	lastActivity time.Time
	status       Status
	label        string
	onStatus     func(Group)
}

// NewManager builds a manager. grouper may be nil, in which case the
// manager runs ungrouped from the start.
func NewManager(browser Browser, grouper Grouper, cfg Config) *Manager {
	return &Manager{
		browser:   browser,
		grouper:   grouper,
		reg:       NewRegistry(),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		degraded:  grouper == nil,
		members:   make(map[int]string),
		lastTouch: make(map[int]time.Time),
		status:    StatusActive,
	}
}

// OnStatus registers a hook called after every effective label change.
func (m *Manager) OnStatus(fn func(Group)) {
	m.mu.Lock()
	m.onStatus = fn
	m.mu.Unlock()
}

func (m *Manager) Registry() *Registry { return m.reg }

// InitializeSession opens url as a background tab and adds it to the
// managed group, creating the group when none exists.
func (m *Manager) InitializeSession(ctx context.Context, url string) (int, int, error) {
	tabID, err := m.Open(ctx, url, true)
	if err != nil {
		return 0, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	groupID := 0
	if m.group != nil {
		groupID = m.group.ID
	}
	return tabID, groupID, nil
}

// Open creates a new tab at url and makes it the current managed tab.
func (m *Manager) Open(ctx context.Context, url string, background bool) (int, error) {
	page, err := m.browser.OpenPage(ctx, url, background)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", url, err)
	}
	tabID := m.reg.Assign(page.TargetID)
	if err := m.join(ctx, tabID, page.TargetID); err != nil {
		return 0, err
	}
	m.TouchActivity(tabID)
	slog.Info("targets tab opened", "tab_id", tabID, "target_id", page.TargetID, "url", url, "background", background)
	return tabID, nil
}

// EnsureManaged adds an already open tab to the managed group. It is
// idempotent and reports true once the tab is a member.
func (m *Manager) EnsureManaged(ctx context.Context, tabID int) (bool, error) {
	targetID, err := m.Find(ctx, tabID)
	if err != nil {
		return false, err
	}
	if err := m.join(ctx, tabID, targetID); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) join(ctx context.Context, tabID int, targetID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if _, ok := m.members[tabID]; ok {
		m.mu.Unlock()
		return nil
	}
	existing := m.group
	degraded := m.degraded
	label := Label(m.cfg.Title, m.status)
	m.mu.Unlock()

	groupID := 0
	if existing != nil {
		groupID = existing.ID
	}
	if !degraded {
		var err error
		if existing == nil {
			groupID, err = m.grouper.CreateGroup(ctx, []string{targetID}, label)
		} else if groupID != 0 {
			err = m.grouper.AddToGroup(ctx, groupID, []string{targetID})
		}
		switch {
		case errors.Is(err, ErrGroupingUnsupported):
			slog.Warn("targets grouping unavailable, tracking ungrouped", "tab_id", tabID)
			degraded = true
			groupID = 0
		case err != nil:
			return fmt.Errorf("group tab %d: %w", tabID, err)
		}
	}

	m.mu.Lock()
	m.degraded = degraded
	if m.group == nil {
		m.group = &Group{
			ID:        groupID,
			Title:     m.cfg.Title,
			CreatedAt: m.now(),
			Grouped:   groupID != 0,
		}
		m.label = label
		slog.Info("targets group created", "group_id", groupID, "label", label, "grouped", groupID != 0)
	}
	if degraded {
		m.group.ID = 0
		m.group.Grouped = false
	}
	m.members[tabID] = targetID
	m.group.Members = append(m.group.Members, tabID)
	m.mu.Unlock()
	return nil
}

// Find is Lookup that refreshes the registry from the browser on a miss.
func (m *Manager) Find(ctx context.Context, tabID int) (string, error) {
	if targetID, ok := m.reg.TargetID(tabID); ok {
		return targetID, nil
	}
	if _, err := m.sync(ctx); err != nil {
		return "", err
	}
	if targetID, ok := m.reg.TargetID(tabID); ok {
		return targetID, nil
	}
	return "", notFound(tabID)
}

// Lookup maps a tab ID to its browser target ID.
func (m *Manager) Lookup(tabID int) (string, error) {
	if targetID, ok := m.reg.TargetID(tabID); ok {
		return targetID, nil
	}
	return "", notFound(tabID)
}

func notFound(tabID int) error {
	return protocol.NewError(protocol.CodeTargetNotFound, fmt.Sprintf("tab %d not found", tabID), nil)
}

// ResolveCurrent returns the most recently touched managed tab. With no
// managed group at all it falls back to the browser's foreground page.
func (m *Manager) ResolveCurrent(ctx context.Context) (int, error) {
	m.mu.Lock()
	current := m.currentLocked()
	hasGroup := m.group != nil
	m.mu.Unlock()
	if current != 0 {
		return current, nil
	}
	if hasGroup {
		return 0, protocol.NewError(protocol.CodeTargetNotFound, "managed group has no open tabs", nil)
	}

	page, err := m.browser.ForegroundPage(ctx)
	if err != nil {
		return 0, err
	}
	return m.reg.Assign(page.TargetID), nil
}

func (m *Manager) currentLocked() int {
	best := 0
	var bestAt time.Time
	for tabID := range m.members {
		at := m.lastTouch[tabID]
		if best == 0 || at.After(bestAt) || (at.Equal(bestAt) && tabID > best) {
			best, bestAt = tabID, at
		}
	}
	return best
}

// SetCurrent makes tabID the current tab. It must already be managed.
func (m *Manager) SetCurrent(tabID int) error {
	m.mu.Lock()
	_, ok := m.members[tabID]
	m.mu.Unlock()
	if !ok {
		return protocol.NewError(protocol.CodeTargetNotFound, fmt.Sprintf("tab %d is not managed", tabID), nil)
	}
	m.TouchActivity(tabID)
	return nil
}

// Activate brings tabID to the foreground and makes it current.
func (m *Manager) Activate(ctx context.Context, tabID int) error {
	targetID, err := m.Find(ctx, tabID)
	if err != nil {
		return err
	}
	if err := m.browser.ActivatePage(ctx, targetID); err != nil {
		return fmt.Errorf("activate tab %d: %w", tabID, err)
	}
	if _, err := m.EnsureManaged(ctx, tabID); err != nil {
		return err
	}
	return m.SetCurrent(tabID)
}

// CloseTab closes tabID in the browser and forgets it.
func (m *Manager) CloseTab(ctx context.Context, tabID int) error {
	targetID, err := m.Find(ctx, tabID)
	if err != nil {
		return err
	}
	if err := m.browser.ClosePage(ctx, targetID); err != nil {
		return fmt.Errorf("close tab %d: %w", tabID, err)
	}
	m.HandleTargetClosed(targetID)
	return nil
}

// ListTargets enumerates open tabs, optionally only the managed ones. Tabs
// that vanished since the last call are dropped from the group.
func (m *Manager) ListTargets(ctx context.Context, managedOnly bool) ([]TargetInfo, error) {
	pages, err := m.sync(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.currentLocked()
	groupID := 0
	if m.group != nil {
		groupID = m.group.ID
	}

	out := make([]TargetInfo, 0, len(pages))
	for _, p := range pages {
		tabID, _ := m.reg.TabID(p.TargetID)
		_, managed := m.members[tabID]
		if managedOnly && !managed {
			continue
		}
		info := TargetInfo{
			TabID:    tabID,
			TargetID: p.TargetID,
			WindowID: p.WindowID,
			URL:      p.URL,
			Title:    p.Title,
			Loaded:   p.Loaded,
			Managed:  managed,
			Current:  tabID == current,
		}
		if managed {
			info.GroupID = groupID
		}
		out = append(out, info)
	}
	return out, nil
}

// sync lists pages, assigns tab IDs to new ones and forgets closed ones.
func (m *Manager) sync(ctx context.Context) ([]Page, error) {
	pages, err := m.browser.ListPages(ctx)
	if err != nil {
		return nil, err
	}
	open := make(map[string]bool, len(pages))
	for _, p := range pages {
		open[p.TargetID] = true
		m.reg.Assign(p.TargetID)
	}

	m.mu.Lock()
	var gone []string
	for _, targetID := range m.members {
		if !open[targetID] {
			gone = append(gone, targetID)
		}
	}
	m.mu.Unlock()
	for _, targetID := range gone {
		m.HandleTargetClosed(targetID)
	}
	return pages, nil
}

// TouchActivity records activity on tabID and marks the group active.
func (m *Manager) TouchActivity(tabID int) {
	m.mu.Lock()
	now := m.now()
	if _, ok := m.members[tabID]; ok {
		m.lastTouch[tabID] = now
	}
	m.lastActivity = now
	needsUpdate := m.group != nil && m.status != StatusActive
	m.mu.Unlock()

	if needsUpdate {
		ctx, cancel := context.WithTimeout(context.Background(), labelWriteTimeout)
		defer cancel()
		if err := m.UpdateStatus(ctx, StatusActive); err != nil {
			slog.Warn("targets status update failed", "status", StatusActive, "error", err)
		}
	}
}

// UpdateStatus sets the group status and rewrites its visible label.
// Writes that would not change the label are skipped.
func (m *Manager) UpdateStatus(ctx context.Context, status Status) error {
	if !status.Valid() {
		return protocol.Validationf("unknown status %q", status)
	}

	m.mu.Lock()
	m.status = status
	if m.group == nil {
		m.mu.Unlock()
		return nil
	}
	label := Label(m.cfg.Title, status)
	if label == m.label {
		m.mu.Unlock()
		return nil
	}
	m.label = label
	groupID := m.group.ID
	write := !m.degraded && groupID != 0
	snapshot := m.snapshotLocked()
	hook := m.onStatus
	m.mu.Unlock()

	if write {
		err := m.grouper.SetGroupTitle(ctx, groupID, label)
		if errors.Is(err, ErrGroupingUnsupported) {
			m.degrade()
			snapshot.ID, snapshot.Grouped = 0, false
		} else if err != nil {
			return fmt.Errorf("set group label: %w", err)
		}
	}
	slog.Debug("targets status changed", "status", status, "label", label)
	if hook != nil {
		hook(snapshot)
	}
	return nil
}

func (m *Manager) degrade() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degraded = true
	if m.group != nil {
		m.group.ID = 0
		m.group.Grouped = false
	}
	slog.Warn("targets grouping unavailable, tracking ungrouped")
}

// HandleTargetClosed drops a closed target. The group dissolves when its
// last member closes.
func (m *Manager) HandleTargetClosed(targetID string) {
	tabID, ok := m.reg.TabID(targetID)
	if !ok {
		return
	}
	m.reg.Remove(targetID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, member := m.members[tabID]; !member {
		return
	}
	delete(m.members, tabID)
	delete(m.lastTouch, tabID)
	if m.group == nil {
		return
	}
	m.group.Members = slices.DeleteFunc(m.group.Members, func(id int) bool { return id == tabID })
	slog.Info("targets managed tab closed", "tab_id", tabID, "target_id", targetID)
	if len(m.members) == 0 {
		slog.Info("targets group dissolved", "group_id", m.group.ID)
		m.group = nil
		m.label = ""
	}
}

// Group returns a snapshot of the managed group.
func (m *Manager) Group() (Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.group == nil {
		return Group{}, false
	}
	return m.snapshotLocked(), true
}

// Status returns the last status set on the workspace.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) snapshotLocked() Group {
	g := *m.group
	g.Members = slices.Clone(m.group.Members)
	g.Status = m.status
	g.Label = m.label
	return g
}

// Run demotes the group to idle when no member was touched within the idle
// window. It returns when ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one idle check.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.Lock()
	idle := m.group != nil && m.status == StatusActive && m.now().Sub(m.lastActivity) >= m.cfg.IdleAfter
	m.mu.Unlock()
	if !idle {
		return
	}
	if err := m.UpdateStatus(ctx, StatusIdle); err != nil {
		slog.Warn("targets idle sweep failed", "error", err)
	}
}
