// Package session owns exclusive, time-boxed control sessions bound to
// browser targets. A Manager attaches lazily, coalesces concurrent attach
// attempts, expires idle sessions and aborts in-flight calls when a session
// is torn down.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Backend is the low-level remote-debugging adapter.
type Backend interface {
	Attach(ctx context.Context, targetID string) (string, error)
	Detach(ctx context.Context, sessionID string) error
	Invoke(ctx context.Context, sessionID, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// URLResolver is optionally implemented by a Backend to report the URL of a
// target so restricted surfaces can be rejected before attaching.
type URLResolver interface {
	TargetURL(ctx context.Context, targetID string) (string, error)
}

type State int

const (
	Unattached State = iota
	Attaching
	Attached
	Detaching
)

func (s State) String() string {
	switch s {
	case Unattached:
		return "unattached"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	case Detaching:
		return "detaching"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is a live binding to one target. It becomes invalid once Done is
// closed; callers must acquire a fresh one afterwards.
type Session struct {
	TargetID   string
	ID         string
	AcquiredAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu         sync.Mutex
	lastActive time.Time
	inflight   int
	timer      *time.Timer
}

func newSession(targetID, sessionID string) *Session {
	ctx, cancel := context.WithCancelCause(context.Background())
	now := time.Now()
	return &Session{
		TargetID:   targetID,
		ID:         sessionID,
		AcquiredAt: now,
		ctx:        ctx,
		cancel:     cancel,
		lastActive: now,
	}
}

// Done is closed when the session is detached for any reason.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Err returns the reason the session ended, or nil while it is live.
func (s *Session) Err() error {
	if s.ctx.Err() == nil {
		return nil
	}
	return context.Cause(s.ctx)
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) live() bool { return s.ctx.Err() == nil }

// begin registers an in-flight call. It fails once the session has ended.
func (s *Session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live() {
		return false
	}
	s.inflight++
	return true
}

// end unregisters an in-flight call. A successful call renews the idle
// window.
func (s *Session) end(ok bool, idle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if ok {
		s.lastActive = time.Now()
		if s.timer != nil {
			s.timer.Reset(idle)
		}
	}
}

func (s *Session) stopTimer() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}
