package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"golang.org/x/sync/singleflight"

	"github.com/dgnsrekt/pixelpilot/internal/protocol"
)

const (
	DefaultIdleTimeout   = 30 * time.Second
	DefaultAttachTimeout = 10 * time.Second
	DefaultRetryBackoff  = 250 * time.Millisecond
	DefaultMaxRetries    = 2

	detachTimeout = 2 * time.Second
)

// DefaultRestricted lists URL patterns of surfaces the browser refuses to
// let a debugger drive.
var DefaultRestricted = []string{
	"chrome://*",
	"chrome-untrusted://*",
	"chrome-extension://*",
	"chrome-search://*",
	"devtools://*",
	"edge://*",
	"view-source:*",
	"https://chrome.google.com/webstore*",
	"https://chromewebstore.google.com/*",
}

// transientHints are substrings in error causes that indicate a transport
// hiccup worth retrying.
var transientHints = []string{
	"target closed",
	"session closed",
	"no session with given id",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
}

var (
	errReleased     = errors.New("session released")
	errDetached     = errors.New("session detached by browser")
	errTargetClosed = errors.New("target closed")
	errExpired      = errors.New("session idle timeout")
	errManagerDown  = errors.New("session manager closed")

	// errSessionGone marks a call that never started because its session
	// ended between acquire and invoke. It is retried with a fresh attach.
	errSessionGone = errors.New("session ended before call started")
)

type Config struct {
	IdleTimeout   time.Duration
	AttachTimeout time.Duration
	RetryBackoff  time.Duration
	// MaxRetries bounds extra attempts after a transient failure. Zero means
	// DefaultMaxRetries; a negative value disables retries.
	MaxRetries int
	// Restricted holds glob patterns matched against target URLs. Nil means
	// DefaultRestricted; an empty slice disables the check.
	Restricted []string
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.AttachTimeout <= 0 {
		c.AttachTimeout = DefaultAttachTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.Restricted == nil {
		c.Restricted = DefaultRestricted
	}
	return c
}

// AttachError describes a failed attach. Permanent failures are never
// retried.
type AttachError struct {
	TargetID  string
	Permanent bool
	Err       error
}

func (e *AttachError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("attach %s (%s): %v", e.TargetID, kind, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a permanent AttachError.
func IsPermanent(err error) bool {
	var ae *AttachError
	return errors.As(err, &ae) && ae.Permanent
}

func attachError(targetID string, permanent bool, cause error) error {
	return protocol.NewError(protocol.CodeAttach, "cannot attach to target "+targetID,
		&AttachError{TargetID: targetID, Permanent: permanent, Err: cause})
}

// Manager hands out at most one live Session per target.
type Manager struct {
	backend    Backend
	cfg        Config
	restricted []glob.Glob
	attaches   singleflight.Group

	mu        sync.Mutex
	sessions  map[string]*Session
	bySession map[string]string
	states    map[string]State
	closed    bool
}

func NewManager(backend Backend, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{
		backend:   backend,
		cfg:       cfg,
		sessions:  make(map[string]*Session),
		bySession: make(map[string]string),
		states:    make(map[string]State),
	}
	for _, pattern := range cfg.Restricted {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile restricted pattern %q: %w", pattern, err)
		}
		m.restricted = append(m.restricted, g)
	}
	return m, nil
}

// Restricted reports whether url matches one of the restricted patterns.
func (m *Manager) Restricted(url string) bool {
	for _, g := range m.restricted {
		if g.Match(url) {
			return true
		}
	}
	return false
}

// Acquire returns the live session for targetID, attaching if needed.
// Concurrent callers for one target share a single attach attempt and all
// observe its outcome.
func (m *Manager) Acquire(ctx context.Context, targetID string) (*Session, error) {
	if targetID == "" {
		return nil, protocol.Validationf("target id is required")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, attachError(targetID, true, errManagerDown)
	}
	if s := m.sessions[targetID]; s != nil && s.live() {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	ch := m.attaches.DoChan(targetID, func() (any, error) {
		return m.attach(targetID)
	})
	select {
	case <-ctx.Done():
		return nil, ctxError(ctx, "acquire session for target "+targetID)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

func (m *Manager) attach(targetID string) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, attachError(targetID, true, errManagerDown)
	}
	if s := m.sessions[targetID]; s != nil && s.live() {
		m.mu.Unlock()
		return s, nil
	}
	m.states[targetID] = Attaching
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AttachTimeout)
	defer cancel()

	if err := m.checkRestricted(ctx, targetID); err != nil {
		m.setState(targetID, Unattached)
		return nil, err
	}

	sid, err := m.backend.Attach(ctx, targetID)
	if err != nil {
		m.setState(targetID, Unattached)
		slog.Warn("session attach failed", "target_id", targetID, "error", err)
		if protocol.IsCode(err, protocol.CodeTargetNotFound) {
			return nil, err
		}
		return nil, attachError(targetID, false, err)
	}

	s := newSession(targetID, sid)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.detach(sid)
		return nil, attachError(targetID, true, errManagerDown)
	}
	m.sessions[targetID] = s
	m.bySession[sid] = targetID
	m.states[targetID] = Attached
	s.mu.Lock()
	s.timer = time.AfterFunc(m.cfg.IdleTimeout, func() { m.expire(s) })
	s.mu.Unlock()
	m.mu.Unlock()

	slog.Debug("session attached", "target_id", targetID, "session_id", sid)
	return s, nil
}

func (m *Manager) checkRestricted(ctx context.Context, targetID string) error {
	resolver, ok := m.backend.(URLResolver)
	if !ok || len(m.restricted) == 0 {
		return nil
	}
	url, err := resolver.TargetURL(ctx, targetID)
	if err != nil {
		if protocol.IsCode(err, protocol.CodeTargetNotFound) {
			return err
		}
		return attachError(targetID, false, err)
	}
	if m.Restricted(url) {
		slog.Info("session attach refused for restricted surface", "target_id", targetID, "url", url)
		return attachError(targetID, true, fmt.Errorf("restricted surface %s", url))
	}
	return nil
}

// Release detaches the target's session. With immediate set the session is
// torn down now and every in-flight call fails with SESSION_ABORTED;
// otherwise the idle timer is re-armed and the session detaches once it
// has been idle for the configured window.
func (m *Manager) Release(targetID string, immediate bool) {
	m.mu.Lock()
	s := m.sessions[targetID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	if immediate {
		m.teardown(s, errReleased, true)
		return
	}
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Reset(m.cfg.IdleTimeout)
	}
	s.mu.Unlock()
}

// Execute runs one protocol call inside the target's session. Transient
// failures are retried up to MaxRetries times with linear backoff.
func (m *Manager) Execute(ctx context.Context, targetID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("session execute retry after transient failure",
				"target_id", targetID, "method", method, "attempt", attempt, "error", lastErr)
			if !sleepCtx(ctx, time.Duration(attempt)*m.cfg.RetryBackoff) {
				break
			}
		}

		s, err := m.Acquire(ctx, targetID)
		if err == nil {
			var raw json.RawMessage
			raw, err = m.invoke(ctx, s, method, params, timeout)
			if err == nil {
				return raw, nil
			}
		}
		lastErr = err
		if !m.shouldRetry(ctx, err) {
			break
		}
	}
	if errors.Is(lastErr, errSessionGone) {
		return nil, protocol.NewError(protocol.CodeSessionAborted, "session for target "+targetID+" ended", lastErr)
	}
	return nil, lastErr
}

func (m *Manager) invoke(ctx context.Context, s *Session, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !s.begin() {
		return nil, errSessionGone
	}

	opCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(s.ctx, func() { cancel(context.Cause(s.ctx)) })
	defer stop()

	raw, err := m.backend.Invoke(opCtx, s.ID, method, params, timeout)
	s.end(err == nil, m.cfg.IdleTimeout)
	if err == nil {
		return raw, nil
	}

	if !s.live() {
		return nil, protocol.NewError(protocol.CodeSessionAborted,
			fmt.Sprintf("%s aborted on target %s", method, s.TargetID), s.Err())
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, protocol.NewError(protocol.CodeTimeout, method+" timed out", err)
	}
	if isTransport(err) {
		// Drop the session so the retry attaches fresh.
		m.teardown(s, err, true)
	}
	return nil, err
}

func (m *Manager) shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, errSessionGone) {
		return true
	}
	var coded *protocol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case protocol.CodeTimeout, protocol.CodeCDPUnavailable, protocol.CodeAttach:
			return true
		case protocol.CodeSessionAborted, protocol.CodeValidation, protocol.CodeTargetNotFound:
			return false
		}
	}
	return isTransport(err)
}

func isTransport(err error) bool {
	if err == nil {
		return false
	}
	if protocol.IsCode(err, protocol.CodeCDPUnavailable) {
		return true
	}
	cause := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(cause, hint) {
			return true
		}
	}
	return false
}

// HandleDetached invalidates the session the browser detached on its own.
func (m *Manager) HandleDetached(sessionID string) {
	m.mu.Lock()
	targetID, ok := m.bySession[sessionID]
	s := m.sessions[targetID]
	m.mu.Unlock()
	if !ok || s == nil || s.ID != sessionID {
		return
	}
	slog.Info("session detached externally", "target_id", targetID, "session_id", sessionID)
	m.teardown(s, errDetached, false)
}

// HandleTargetClosed invalidates any session bound to a closed target.
func (m *Manager) HandleTargetClosed(targetID string) {
	m.mu.Lock()
	s := m.sessions[targetID]
	m.mu.Unlock()
	if s != nil {
		m.teardown(s, errTargetClosed, false)
	}
	m.mu.Lock()
	if m.sessions[targetID] == nil {
		delete(m.states, targetID)
	}
	m.mu.Unlock()
}

// State reports the lifecycle state of the target's session.
func (m *Manager) State(targetID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[targetID]
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close detaches every session. Later Acquire calls fail permanently.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		m.teardown(s, errManagerDown, true)
	}
}

func (m *Manager) expire(s *Session) {
	if !s.live() {
		return
	}
	s.mu.Lock()
	remaining := m.cfg.IdleTimeout - time.Since(s.lastActive)
	if s.inflight > 0 || remaining > 0 {
		if s.inflight > 0 {
			remaining = m.cfg.IdleTimeout
		}
		if s.timer != nil {
			s.timer.Reset(remaining)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	slog.Debug("session idle expired", "target_id", s.TargetID, "session_id", s.ID)
	m.teardown(s, errExpired, true)
}

// teardown removes s from the tables, aborts its in-flight calls and
// optionally detaches it on the backend.
func (m *Manager) teardown(s *Session, cause error, detach bool) {
	m.mu.Lock()
	if m.sessions[s.TargetID] == s {
		delete(m.sessions, s.TargetID)
		m.states[s.TargetID] = Detaching
	}
	delete(m.bySession, s.ID)
	m.mu.Unlock()

	s.stopTimer()
	s.cancel(cause)

	if detach {
		m.detach(s.ID)
	}

	m.mu.Lock()
	if m.sessions[s.TargetID] == nil && m.states[s.TargetID] == Detaching {
		m.states[s.TargetID] = Unattached
	}
	m.mu.Unlock()
}

func (m *Manager) detach(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	if err := m.backend.Detach(ctx, sessionID); err != nil {
		slog.Debug("session detach failed", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) setState(targetID string, st State) {
	m.mu.Lock()
	m.states[targetID] = st
	m.mu.Unlock()
}

func ctxError(ctx context.Context, what string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return protocol.NewError(protocol.CodeTimeout, what+" timed out", ctx.Err())
	}
	return fmt.Errorf("%s: %w", what, ctx.Err())
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
