// Package cdpcontrol adapts a Chromium remote-debugging endpoint to the
// session and target managers: flat page sessions, raw method invocation,
// page lifecycle and target events.
package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/pixelpilot/internal/protocol"
	"github.com/dgnsrekt/pixelpilot/internal/targets"
)

const DefaultCallTimeout = 10 * time.Second

const (
	eventDetachedFromTarget = "Target.detachedFromTarget"
	eventTargetDestroyed    = "Target.targetDestroyed"
	eventTargetCrashed      = "Target.targetCrashed"
)

// Client owns the browser-level CDP connection. It reconnects lazily when a
// call finds the connection gone.
type Client struct {
	cdpURL  string
	timeout time.Duration

	mu  sync.Mutex
	cdp *browserConn

	hookMu      sync.Mutex
	onDetached  []func(sessionID string)
	onDestroyed []func(targetID string)
}

func NewClient(cdpURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{
		cdpURL:  strings.TrimSpace(cdpURL),
		timeout: timeout,
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cdpURL == "" {
		return protocol.NewError(protocol.CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	cdp, err := dialBrowser(ctx, c.cdpURL)
	if err != nil {
		return protocol.NewError(protocol.CodeCDPUnavailable, "connect to CDP failed", err)
	}
	cdp.on(eventDetachedFromTarget, c.handleDetached)
	cdp.on(eventTargetDestroyed, c.handleDestroyed)
	cdp.on(eventTargetCrashed, c.handleDestroyed)

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := cdp.send(callCtx, "", target.CommandSetDiscoverTargets, target.SetDiscoverTargets(true)); err != nil {
		slog.Warn("cdpcontrol target discovery unavailable", "error", err)
	}

	c.cdp = cdp
	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	if c.cdp != nil {
		c.cdp.close()
		c.cdp = nil
	}
}

// OnDetached registers fn for sessions the browser detached on its own.
func (c *Client) OnDetached(fn func(sessionID string)) {
	c.hookMu.Lock()
	c.onDetached = append(c.onDetached, fn)
	c.hookMu.Unlock()
}

// OnTargetDestroyed registers fn for page targets that closed or crashed.
func (c *Client) OnTargetDestroyed(fn func(targetID string)) {
	c.hookMu.Lock()
	c.onDestroyed = append(c.onDestroyed, fn)
	c.hookMu.Unlock()
}

// Event handlers run on the read loop; hooks are started on their own
// goroutines so they may call back into the client.
func (c *Client) handleDetached(params json.RawMessage) {
	var evt target.EventDetachedFromTarget
	if err := json.Unmarshal(params, &evt); err != nil || evt.SessionID == "" {
		return
	}
	slog.Debug("cdpcontrol session detached", "session_id", evt.SessionID)
	c.hookMu.Lock()
	hooks := append([]func(string){}, c.onDetached...)
	c.hookMu.Unlock()
	for _, fn := range hooks {
		go fn(string(evt.SessionID))
	}
}

func (c *Client) handleDestroyed(params json.RawMessage) {
	var evt struct {
		TargetID target.ID `json:"targetId"`
	}
	if err := json.Unmarshal(params, &evt); err != nil || evt.TargetID == "" {
		return
	}
	slog.Debug("cdpcontrol target gone", "target_id", evt.TargetID)
	c.hookMu.Lock()
	hooks := append([]func(string){}, c.onDestroyed...)
	c.hookMu.Unlock()
	for _, fn := range hooks {
		go fn(string(evt.TargetID))
	}
}

func (c *Client) ensureConnected(ctx context.Context) (*browserConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cdp != nil && c.cdp.alive() {
		return c.cdp, nil
	}
	if c.cdp != nil {
		slog.Warn("cdpcontrol connection lost, reconnecting", "cdp_url", c.cdpURL)
	}
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	return c.cdp, nil
}

// call runs method on sessionID (browser level when empty) and maps
// transport failures onto the protocol error codes.
func (c *Client) call(ctx context.Context, sessionID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	cdp, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := cdp.send(callCtx, sessionID, method, params)
	if err != nil {
		return nil, classify(method, err)
	}
	return raw, nil
}

func classify(method string, err error) error {
	if errors.Is(err, errBrowserGone) {
		return protocol.NewError(protocol.CodeCDPUnavailable, method+" failed: browser connection lost", err)
	}
	var perr *cdpError
	if errors.As(err, &perr) && strings.Contains(strings.ToLower(perr.Message), "no target with given id") {
		return protocol.NewError(protocol.CodeTargetNotFound, perr.Message, err)
	}
	return err
}

// Attach opens a flat session on targetID.
func (c *Client) Attach(ctx context.Context, targetID string) (string, error) {
	params := target.AttachToTarget(target.ID(targetID)).WithFlatten(true)
	raw, err := c.call(ctx, "", target.CommandAttachToTarget, params, 0)
	if err != nil {
		return "", err
	}
	var ret target.AttachToTargetReturns
	if err := json.Unmarshal(raw, &ret); err != nil {
		return "", protocol.NewError(protocol.CodeInternal, "decode attach result", err)
	}
	if ret.SessionID == "" {
		return "", protocol.NewError(protocol.CodeInternal, "attach returned no session id", nil)
	}
	slog.Debug("cdpcontrol session attached", "target_id", targetID, "session_id", ret.SessionID)
	return string(ret.SessionID), nil
}

func (c *Client) Detach(ctx context.Context, sessionID string) error {
	params := target.DetachFromTarget().WithSessionID(target.SessionID(sessionID))
	_, err := c.call(ctx, "", target.CommandDetachFromTarget, params, 0)
	return err
}

// Invoke runs a protocol method on an attached session.
func (c *Client) Invoke(ctx context.Context, sessionID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return c.call(ctx, sessionID, method, params, timeout)
}

// TargetURL reports the current URL of a page target.
func (c *Client) TargetURL(ctx context.Context, targetID string) (string, error) {
	pages, err := c.listPages(ctx, false)
	if err != nil {
		return "", err
	}
	for _, p := range pages {
		if p.TargetID == targetID {
			return p.URL, nil
		}
	}
	return "", protocol.NewError(protocol.CodeTargetNotFound, "no page target "+targetID, nil)
}

// ListPages returns page targets in the browser's order, with window ids.
func (c *Client) ListPages(ctx context.Context) ([]targets.Page, error) {
	return c.listPages(ctx, true)
}

func (c *Client) listPages(ctx context.Context, withWindows bool) ([]targets.Page, error) {
	cdp, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	infos, err := cdp.targetList(ctx)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeCDPUnavailable, "failed to list targets", err)
	}
	pages := make([]targets.Page, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		p := targets.Page{
			TargetID: string(info.TargetID),
			URL:      info.URL,
			Title:    info.Title,
			Loaded:   true,
		}
		if withWindows {
			p.WindowID = c.windowFor(ctx, p.TargetID)
		}
		pages = append(pages, p)
	}
	return pages, nil
}

func (c *Client) windowFor(ctx context.Context, targetID string) int {
	params := browser.GetWindowForTarget().WithTargetID(target.ID(targetID))
	raw, err := c.call(ctx, "", browser.CommandGetWindowForTarget, params, 0)
	if err != nil {
		slog.Debug("cdpcontrol window lookup failed", "target_id", targetID, "error", err)
		return 0
	}
	var ret browser.GetWindowForTargetReturns
	if err := json.Unmarshal(raw, &ret); err != nil {
		return 0
	}
	return int(ret.WindowID)
}

// OpenPage creates a page target. background keeps the operator's current
// tab in front.
func (c *Client) OpenPage(ctx context.Context, url string, background bool) (targets.Page, error) {
	params := target.CreateTarget(url).WithBackground(background)
	raw, err := c.call(ctx, "", target.CommandCreateTarget, params, 0)
	if err != nil {
		return targets.Page{}, err
	}
	var ret target.CreateTargetReturns
	if err := json.Unmarshal(raw, &ret); err != nil {
		return targets.Page{}, protocol.NewError(protocol.CodeInternal, "decode create target result", err)
	}
	id := string(ret.TargetID)
	slog.Info("cdpcontrol page opened", "target_id", id, "url", url, "background", background)
	return targets.Page{
		TargetID: id,
		WindowID: c.windowFor(ctx, id),
		URL:      url,
	}, nil
}

func (c *Client) ClosePage(ctx context.Context, targetID string) error {
	_, err := c.call(ctx, "", target.CommandCloseTarget, target.CloseTarget(target.ID(targetID)), 0)
	return err
}

func (c *Client) ActivatePage(ctx context.Context, targetID string) error {
	_, err := c.call(ctx, "", target.CommandActivateTarget, target.ActivateTarget(target.ID(targetID)), 0)
	return err
}

// ForegroundPage returns the first page in the browser's listing order,
// which is the most recently focused tab.
func (c *Client) ForegroundPage(ctx context.Context) (targets.Page, error) {
	pages, err := c.ListPages(ctx)
	if err != nil {
		return targets.Page{}, err
	}
	if len(pages) == 0 {
		return targets.Page{}, protocol.NewError(protocol.CodeTargetNotFound, "browser has no open pages", nil)
	}
	return pages[0], nil
}

// The protocol has no tab-group domain; the target manager falls back to
// ungrouped tracking.

func (c *Client) CreateGroup(context.Context, []string, string) (int, error) {
	return 0, targets.ErrGroupingUnsupported
}

func (c *Client) AddToGroup(context.Context, int, []string) error {
	return targets.ErrGroupingUnsupported
}

func (c *Client) SetGroupTitle(context.Context, int, string) error {
	return targets.ErrGroupingUnsupported
}
