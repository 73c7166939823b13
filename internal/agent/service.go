// Package agent executes hub commands against the browser. Each command is
// resolved to a managed tab, its coordinates are mapped from the reference
// frame into the page viewport, and the resulting protocol calls run through
// the tab's automation session.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"

	"github.com/dgnsrekt/pixelpilot/internal/channel"
	"github.com/dgnsrekt/pixelpilot/internal/coords"
	"github.com/dgnsrekt/pixelpilot/internal/protocol"
	"github.com/dgnsrekt/pixelpilot/internal/session"
	"github.com/dgnsrekt/pixelpilot/internal/targets"
)

const (
	DefaultCallTimeout = 10 * time.Second

	maxMoveSteps = 30
	stepsPerSec  = 60
)

type Config struct {
	Reference   coords.Size
	CallTimeout time.Duration
	ViewportTTL time.Duration
}

func (c Config) withDefaults() Config {
	if !c.Reference.Valid() {
		c.Reference = coords.DefaultReference
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// Service is the agent's command pipeline.
type Service struct {
	targets   *targets.Manager
	sessions  *session.Manager
	tracker   *coords.Tracker
	viewports *coords.ViewportCache
	cfg       Config
}

func NewService(tm *targets.Manager, sm *session.Manager, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		targets:   tm,
		sessions:  sm,
		tracker:   coords.NewTracker(cfg.Reference),
		viewports: coords.NewViewportCache(cfg.ViewportTTL),
		cfg:       cfg,
	}
}

// Tracker exposes the per-target pointer positions.
func (s *Service) Tracker() *coords.Tracker { return s.tracker }

// Handle answers one command envelope on p. It matches channel.Handler.
func (s *Service) Handle(ctx context.Context, p *channel.Peer, h protocol.Header, data []byte) {
	resp := s.Execute(ctx, data)
	if resp.CommandID == "" {
		resp.CommandID = h.CommandID
	}
	if err := p.Write(resp); err != nil {
		slog.Warn("agent response not delivered", "type", h.Type, "command_id", h.CommandID, "error", err)
	}
}

// Execute parses and runs a raw command envelope. Failures become failed
// responses carrying the error code.
func (s *Service) Execute(ctx context.Context, data []byte) protocol.Response {
	cmd, err := protocol.ParseCommand(data)
	if err != nil {
		h, _ := protocol.DecodeHeader(data)
		slog.Warn("agent command rejected", "type", h.Type, "command_id", h.CommandID, "error", err)
		return protocol.Fail(h.CommandID, err)
	}

	head := cmd.Head()
	start := time.Now()
	msg, result, err := s.Dispatch(ctx, cmd)
	if err != nil {
		slog.Warn("agent command failed", "type", head.Type, "command_id", head.CommandID,
			"error_code", protocol.CodeOf(err), "error", err, "elapsed", time.Since(start))
		return protocol.Fail(head.CommandID, err)
	}
	slog.Info("agent command done", "type", head.Type, "command_id", head.CommandID, "elapsed", time.Since(start))
	return protocol.OK(head.CommandID, msg, result)
}

// Dispatch runs an already validated command and returns the response
// message and payload.
func (s *Service) Dispatch(ctx context.Context, cmd protocol.Command) (string, any, error) {
	switch c := cmd.(type) {
	case *protocol.MouseMove:
		return s.mouseMove(ctx, c)
	case *protocol.MouseClick:
		return s.mouseClick(ctx, c)
	case *protocol.MouseScroll:
		return s.mouseScroll(ctx, c)
	case *protocol.KeyboardType:
		return s.keyboardType(ctx, c)
	case *protocol.KeyboardPress:
		return s.keyboardPress(ctx, c)
	case *protocol.Screenshot:
		return s.screenshot(ctx, c)
	case *protocol.ResetMouse:
		return s.resetMouse(ctx, c)
	case *protocol.Tab:
		return s.tab(ctx, c)
	case *protocol.GetTabs:
		return s.getTabs(ctx, c)
	}
	return "", nil, protocol.Validationf("unsupported command type: %s", cmd.Head().Type)
}

// HandleTargetClosed drops every piece of per-target state.
func (s *Service) HandleTargetClosed(targetID string) {
	s.sessions.HandleTargetClosed(targetID)
	s.targets.HandleTargetClosed(targetID)
	s.forget(targetID)
}

func (s *Service) HandleDetached(sessionID string) {
	s.sessions.HandleDetached(sessionID)
}

func (s *Service) forget(targetID string) {
	s.tracker.Forget(targetID)
	s.viewports.Invalidate(targetID)
}

type surface struct {
	tabID    int
	targetID string
}

// resolve picks the tab a command acts on and makes sure it is managed.
func (s *Service) resolve(ctx context.Context, tabID int) (surface, error) {
	if tabID == 0 {
		current, err := s.targets.ResolveCurrent(ctx)
		if err != nil {
			return surface{}, err
		}
		tabID = current
	}
	if _, err := s.targets.EnsureManaged(ctx, tabID); err != nil {
		return surface{}, err
	}
	targetID, err := s.targets.Lookup(tabID)
	if err != nil {
		return surface{}, err
	}
	s.targets.TouchActivity(tabID)
	return surface{tabID: tabID, targetID: targetID}, nil
}

func (s *Service) exec(ctx context.Context, sf surface, method string, params any) (json.RawMessage, error) {
	return s.sessions.Execute(ctx, sf.targetID, method, params, s.cfg.CallTimeout)
}

type layoutViewport struct {
	ClientWidth  float64 `json:"clientWidth"`
	ClientHeight float64 `json:"clientHeight"`
}

type layoutMetrics struct {
	CSSLayoutViewport *layoutViewport `json:"cssLayoutViewport"`
	LayoutViewport    *layoutViewport `json:"layoutViewport"`
}

// frame returns the coordinate frame of sf, measuring the viewport when the
// cached size is stale.
func (s *Service) frame(ctx context.Context, sf surface) (coords.Frame, error) {
	if size, ok := s.viewports.Get(sf.targetID); ok {
		return coords.NewFrame(s.cfg.Reference, size)
	}
	raw, err := s.exec(ctx, sf, page.CommandGetLayoutMetrics, page.GetLayoutMetrics())
	if err != nil {
		return coords.Frame{}, err
	}
	var m layoutMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return coords.Frame{}, protocol.NewError(protocol.CodeInternal, "decode layout metrics", err)
	}
	vp := m.CSSLayoutViewport
	if vp == nil {
		vp = m.LayoutViewport
	}
	if vp == nil {
		return coords.Frame{}, protocol.NewError(protocol.CodeInternal, "page reported no viewport", nil)
	}
	size := coords.Size{W: int(math.Round(vp.ClientWidth)), H: int(math.Round(vp.ClientHeight))}
	f, err := coords.NewFrame(s.cfg.Reference, size)
	if err != nil {
		return coords.Frame{}, protocol.NewError(protocol.CodeInternal, "unusable viewport", err)
	}
	s.viewports.Put(sf.targetID, size)
	return f, nil
}

func (s *Service) mouse(ctx context.Context, sf surface, params *input.DispatchMouseEventParams) error {
	_, err := s.exec(ctx, sf, input.CommandDispatchMouseEvent, params)
	return err
}

func pointerResult(sf surface, f coords.Frame, p coords.Point) protocol.PointerResult {
	q := f.ToTrue(p).Round()
	return protocol.PointerResult{TabID: sf.tabID, X: p.X, Y: p.Y, TrueX: q.X, TrueY: q.Y}
}

func (s *Service) mouseMove(ctx context.Context, c *protocol.MouseMove) (string, any, error) {
	sf, err := s.resolve(ctx, c.TabID)
	if err != nil {
		return "", nil, err
	}
	f, err := s.frame(ctx, sf)
	if err != nil {
		return "", nil, err
	}
	from, to := s.tracker.Move(sf.targetID, float64(c.DX), float64(c.DY))
	if err := s.glide(ctx, sf, f, from, to, c.Duration); err != nil {
		s.tracker.Set(sf.targetID, from)
		return "", nil, err
	}
	return fmt.Sprintf("Mouse moved by (%d, %d)", c.DX, c.DY), pointerResult(sf, f, to), nil
}

// glide walks the pointer from one reference point to another along an
// eased path spread over duration seconds.
func (s *Service) glide(ctx context.Context, sf surface, f coords.Frame, from, to coords.Point, duration float64) error {
	steps := moveSteps(duration)
	pause := time.Duration(duration * float64(time.Second) / float64(steps))
	for i := 1; i <= steps; i++ {
		t := easeInOut(float64(i) / float64(steps))
		p := coords.Point{X: from.X + (to.X-from.X)*t, Y: from.Y + (to.Y-from.Y)*t}
		q := f.ToTrue(p)
		if err := s.mouse(ctx, sf, input.DispatchMouseEvent(input.MouseMoved, q.X, q.Y)); err != nil {
			return err
		}
		if i < steps {
			if err := sleepCtx(ctx, pause); err != nil {
				return err
			}
		}
	}
	return nil
}

func moveSteps(duration float64) int {
	n := int(math.Ceil(duration * stepsPerSec))
	return max(1, min(n, maxMoveSteps))
}

func easeInOut(t float64) float64 {
	if t < 0.5 {
		return 2 * t * t
	}
	return 1 - math.Pow(-2*t+2, 2)/2
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var mouseButtons = map[string]input.MouseButton{
	"left":   input.Left,
	"right":  input.Right,
	"middle": input.Middle,
}

func (s *Service) mouseClick(ctx context.Context, c *protocol.MouseClick) (string, any, error) {
	sf, err := s.resolve(ctx, c.TabID)
	if err != nil {
		return "", nil, err
	}
	f, err := s.frame(ctx, sf)
	if err != nil {
		return "", nil, err
	}
	pos := s.tracker.Position(sf.targetID)
	q := f.ToTrue(pos)
	button := mouseButtons[c.Button]
	clicks := c.Clicks()
	for i := 1; i <= clicks; i++ {
		press := input.DispatchMouseEvent(input.MousePressed, q.X, q.Y).WithButton(button).WithClickCount(int64(i))
		if err := s.mouse(ctx, sf, press); err != nil {
			return "", nil, err
		}
		release := input.DispatchMouseEvent(input.MouseReleased, q.X, q.Y).WithButton(button).WithClickCount(int64(i))
		if err := s.mouse(ctx, sf, release); err != nil {
			return "", nil, err
		}
	}
	return fmt.Sprintf("Mouse %s clicked %d time(s)", c.Button, clicks), pointerResult(sf, f, pos), nil
}

func scrollDelta(direction string, amount int) (float64, float64) {
	a := float64(amount)
	switch direction {
	case "up":
		return 0, -a
	case "left":
		return -a, 0
	case "right":
		return a, 0
	}
	return 0, a
}

func (s *Service) mouseScroll(ctx context.Context, c *protocol.MouseScroll) (string, any, error) {
	sf, err := s.resolve(ctx, c.TabID)
	if err != nil {
		return "", nil, err
	}
	f, err := s.frame(ctx, sf)
	if err != nil {
		return "", nil, err
	}
	pos := s.tracker.Position(sf.targetID)
	q := f.ToTrue(pos)
	dx, dy := f.Delta(scrollDelta(c.Direction, c.Amount))
	wheel := input.DispatchMouseEvent(input.MouseWheel, q.X, q.Y).WithDeltaX(dx).WithDeltaY(dy)
	if err := s.mouse(ctx, sf, wheel); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("Scrolled %s by %d", c.Direction, c.Amount), pointerResult(sf, f, pos), nil
}

func (s *Service) key(ctx context.Context, sf surface, params *input.DispatchKeyEventParams) error {
	_, err := s.exec(ctx, sf, input.CommandDispatchKeyEvent, params)
	return err
}

// press sends a keyDown/keyUp pair. Keys that produce text carry it on the
// keyDown so the page receives the character.
func (s *Service) press(ctx context.Context, sf surface, def keyDef, mods input.Modifier) error {
	downType := input.KeyRawDown
	if def.Text != "" {
		downType = input.KeyDown
	}
	down := input.DispatchKeyEvent(downType).
		WithKey(def.Key).
		WithCode(def.Code).
		WithWindowsVirtualKeyCode(def.KeyCode).
		WithNativeVirtualKeyCode(def.KeyCode).
		WithModifiers(mods)
	if def.Text != "" {
		down = down.WithText(def.Text).WithUnmodifiedText(def.Text)
	}
	if err := s.key(ctx, sf, down); err != nil {
		return err
	}
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey(def.Key).
		WithCode(def.Code).
		WithWindowsVirtualKeyCode(def.KeyCode).
		WithNativeVirtualKeyCode(def.KeyCode).
		WithModifiers(mods)
	return s.key(ctx, sf, up)
}

// typeRune delivers one character as rawKeyDown, char, keyUp.
func (s *Service) typeRune(ctx context.Context, sf surface, r rune) error {
	def := charKey(r)
	down := input.DispatchKeyEvent(input.KeyRawDown).WithKey(def.Key).WithCode(def.Code).WithWindowsVirtualKeyCode(def.KeyCode)
	if err := s.key(ctx, sf, down); err != nil {
		return err
	}
	char := input.DispatchKeyEvent(input.KeyChar).WithKey(def.Key).WithText(def.Text).WithUnmodifiedText(def.Text)
	if err := s.key(ctx, sf, char); err != nil {
		return err
	}
	up := input.DispatchKeyEvent(input.KeyUp).WithKey(def.Key).WithCode(def.Code).WithWindowsVirtualKeyCode(def.KeyCode)
	return s.key(ctx, sf, up)
}

func (s *Service) keyboardType(ctx context.Context, c *protocol.KeyboardType) (string, any, error) {
	sf, err := s.resolve(ctx, c.TabID)
	if err != nil {
		return "", nil, err
	}
	n := 0
	for _, r := range c.Text {
		switch r {
		case '\n':
			err = s.press(ctx, sf, namedKeys["enter"], 0)
		case '\t':
			err = s.press(ctx, sf, namedKeys["tab"], 0)
		default:
			err = s.typeRune(ctx, sf, r)
		}
		if err != nil {
			return "", nil, fmt.Errorf("typing stopped after %d characters: %w", n, err)
		}
		n++
	}
	return fmt.Sprintf("Typed %d characters", n), protocol.TypingResult{TabID: sf.tabID, Characters: n}, nil
}

func (s *Service) keyboardPress(ctx context.Context, c *protocol.KeyboardPress) (string, any, error) {
	def, err := lookupKey(c.Key)
	if err != nil {
		return "", nil, err
	}
	mods, err := parseModifiers(c.Modifiers)
	if err != nil {
		return "", nil, err
	}
	sf, err := s.resolve(ctx, c.TabID)
	if err != nil {
		return "", nil, err
	}
	if err := s.press(ctx, sf, def.withModifiers(mods), mods); err != nil {
		return "", nil, err
	}
	return "Pressed " + c.Key, protocol.TypingResult{TabID: sf.tabID, Key: def.Key}, nil
}

func (s *Service) screenshot(ctx context.Context, c *protocol.Screenshot) (string, any, error) {
	sf, err := s.resolve(ctx, c.TabID)
	if err != nil {
		return "", nil, err
	}
	raw, err := s.exec(ctx, sf, page.CommandCaptureScreenshot, page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng))
	if err != nil {
		return "", nil, err
	}
	var shot struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &shot); err != nil {
		return "", nil, protocol.NewError(protocol.CodeInternal, "decode capture", err)
	}
	img, err := base64.StdEncoding.DecodeString(shot.Data)
	if err != nil {
		return "", nil, protocol.NewError(protocol.CodeInternal, "decode capture data", err)
	}

	var cursor *coords.Point
	if c.Cursor() {
		p := s.tracker.Position(sf.targetID)
		cursor = &p
	}
	capture, err := coords.Normalize(img, s.cfg.Reference, c.Quality, cursor)
	if err != nil {
		return "", nil, protocol.NewError(protocol.CodeInternal, "normalize capture", err)
	}

	result := protocol.CaptureResult{
		TabID:        sf.tabID,
		ImageData:    base64.StdEncoding.EncodeToString(capture.Data),
		Format:       capture.Format,
		Width:        capture.Width,
		Height:       capture.Height,
		SourceWidth:  capture.Source.W,
		SourceHeight: capture.Source.H,
	}
	if cursor != nil {
		result.Cursor = &protocol.Position{X: cursor.X, Y: cursor.Y}
	}
	return "Screenshot captured", result, nil
}

func (s *Service) resetMouse(ctx context.Context, c *protocol.ResetMouse) (string, any, error) {
	sf, err := s.resolve(ctx, c.TabID)
	if err != nil {
		return "", nil, err
	}
	f, err := s.frame(ctx, sf)
	if err != nil {
		return "", nil, err
	}
	p := s.tracker.Reset(sf.targetID)
	q := f.ToTrue(p)
	if err := s.mouse(ctx, sf, input.DispatchMouseEvent(input.MouseMoved, q.X, q.Y)); err != nil {
		return "", nil, err
	}
	return "Mouse reset to center", pointerResult(sf, f, p), nil
}

// TabsResult lists tabs together with the managed group, when there is one.
type TabsResult struct {
	Tabs  []targets.TargetInfo `json:"tabs"`
	Group *targets.Group       `json:"group,omitempty"`
}

func (s *Service) listTabs(ctx context.Context, managedOnly bool) (TabsResult, error) {
	tabs, err := s.targets.ListTargets(ctx, managedOnly)
	if err != nil {
		return TabsResult{}, err
	}
	res := TabsResult{Tabs: tabs}
	if g, ok := s.targets.Group(); ok {
		res.Group = &g
	}
	return res, nil
}

func (s *Service) getTabs(ctx context.Context, c *protocol.GetTabs) (string, any, error) {
	res, err := s.listTabs(ctx, c.ManagedOnly)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("Found %d tabs", len(res.Tabs)), res, nil
}

func (s *Service) tab(ctx context.Context, c *protocol.Tab) (string, any, error) {
	switch c.Action {
	case protocol.TabInit:
		tabID, groupID, err := s.targets.InitializeSession(ctx, c.URL)
		if err != nil {
			return "", nil, err
		}
		return "Session initialized", protocol.TabResult{TabID: tabID, GroupID: groupID, URL: c.URL}, nil

	case protocol.TabOpen:
		tabID, err := s.targets.Open(ctx, c.URL, false)
		if err != nil {
			return "", nil, err
		}
		return "Tab opened", protocol.TabResult{TabID: tabID, URL: c.URL}, nil

	case protocol.TabClose:
		tabID := c.TabID
		if tabID == 0 {
			current, err := s.targets.ResolveCurrent(ctx)
			if err != nil {
				return "", nil, err
			}
			tabID = current
		}
		targetID, err := s.targets.Find(ctx, tabID)
		if err != nil {
			return "", nil, err
		}
		s.sessions.Release(targetID, true)
		if err := s.targets.CloseTab(ctx, tabID); err != nil {
			return "", nil, err
		}
		s.forget(targetID)
		return "Tab closed", protocol.TabResult{TabID: tabID}, nil

	case protocol.TabSwitch:
		if err := s.targets.Activate(ctx, c.TabID); err != nil {
			return "", nil, err
		}
		if targetID, err := s.targets.Lookup(c.TabID); err == nil {
			s.viewports.Invalidate(targetID)
		}
		return "Switched tab", protocol.TabResult{TabID: c.TabID}, nil

	case protocol.TabList:
		res, err := s.listTabs(ctx, false)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("Found %d tabs", len(res.Tabs)), res, nil

	case protocol.TabRefresh:
		sf, err := s.resolve(ctx, c.TabID)
		if err != nil {
			return "", nil, err
		}
		if _, err := s.exec(ctx, sf, page.CommandReload, page.Reload()); err != nil {
			return "", nil, err
		}
		s.viewports.Invalidate(sf.targetID)
		return "Tab refreshed", protocol.TabResult{TabID: sf.tabID}, nil
	}
	return "", nil, protocol.Validationf("unknown tab action: %s", c.Action)
}
