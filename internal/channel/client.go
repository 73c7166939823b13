package channel

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/pixelpilot/internal/protocol"
)

type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateDisconnected ConnState = "disconnected"
)

var (
	// ErrGaveUp is returned by Client.Run after the reconnect budget is spent.
	ErrGaveUp = errors.New("channel: reconnect attempts exhausted")
	// ErrClosedByPeer is returned by Client.Run when the hub closed the
	// connection with a code that forbids reconnecting.
	ErrClosedByPeer = errors.New("channel: closed by peer")
)

// Backoff computes reconnect delays: Base doubled per attempt, capped at Max,
// spread by ±Jitter.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      float64
	MaxAttempts int

	rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 60 * time.Second, Jitter: 0.2, MaxAttempts: 10}
}

// Delay returns the wait before reconnect attempt n, counting from 1.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		d += d * b.Jitter * (2*r() - 1)
	}
	return time.Duration(d)
}

// ShouldReconnect reports whether a connection that ended with err may be
// re-established. Normal closure, policy violation and internal error close
// codes are final.
func ShouldReconnect(err error) bool {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) {
		switch closed.Code {
		case ws.StatusNormalClosure, ws.StatusPolicyViolation, ws.StatusInternalServerError:
			return false
		}
	}
	return true
}

type ClientConfig struct {
	URL          string
	Name         string
	Timeout      time.Duration
	PingInterval time.Duration
	DeadAfter    time.Duration
	DialTimeout  time.Duration
	Backoff      Backoff
	Handler      Handler
}

// Client keeps the agent connected to the hub.
type Client struct {
	cfg ClientConfig

	mu      sync.Mutex
	peer    *Peer
	state   ConnState
	onState func(ConnState)
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "hub"
	}
	return &Client{cfg: cfg, state: StateDisconnected}
}

// OnState registers a hook for connection state changes.
func (c *Client) OnState(fn func(ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	hook := c.onState
	c.mu.Unlock()
	if changed {
		slog.Info("channel state", "peer", c.cfg.Name, "state", s)
		if hook != nil {
			hook(s)
		}
	}
}

// Run connects and keeps reconnecting until ctx ends, the hub closes with a
// final code, or the attempt budget runs out.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := c.session(ctx, &attempt)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		if !ShouldReconnect(err) {
			slog.Info("channel closed by hub, not reconnecting", "peer", c.cfg.Name, "error", err)
			c.setState(StateDisconnected)
			return errors.Join(ErrClosedByPeer, err)
		}

		attempt++
		if c.cfg.Backoff.MaxAttempts > 0 && attempt > c.cfg.Backoff.MaxAttempts {
			slog.Error("channel giving up", "peer", c.cfg.Name, "attempts", attempt-1, "error", err)
			c.setState(StateDisconnected)
			return ErrGaveUp
		}
		c.setState(StateReconnecting)
		delay := c.cfg.Backoff.Delay(attempt)
		slog.Warn("channel reconnecting", "peer", c.cfg.Name, "attempt", attempt, "delay", delay, "error", err)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-t.C:
		}
	}
}

// session dials once and serves the connection until it ends. A successful
// dial resets the attempt counter.
func (c *Client) session(ctx context.Context, attempt *int) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	*attempt = 0

	peer := NewPeer(conn, ws.StateClientSide, PeerOptions{
		Name:    c.cfg.Name,
		Timeout: c.cfg.Timeout,
		Handler: c.cfg.Handler,
	})
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
	c.setState(StateConnected)

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go peer.Heartbeat(hbCtx, c.cfg.PingInterval, c.cfg.DeadAfter)

	err = peer.Run(ctx)

	c.mu.Lock()
	if c.peer == peer {
		c.peer = nil
	}
	c.mu.Unlock()
	return err
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := ws.Dialer{Timeout: c.cfg.DialTimeout}
	conn, br, _, err := dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return nil, err
	}
	if br != nil {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// Send forwards cmd to the hub over the live connection.
func (c *Client) Send(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	p := c.current()
	if p == nil {
		return protocol.Response{}, protocol.NewError(protocol.CodeChannelClosed, "not connected to hub", nil)
	}
	return p.Send(ctx, cmd)
}

// Emit writes an unsolicited envelope, e.g. a status event.
func (c *Client) Emit(v any) error {
	p := c.current()
	if p == nil {
		return protocol.NewError(protocol.CodeChannelClosed, "not connected to hub", nil)
	}
	return p.Write(v)
}

// Close ends the current connection with a normal closure.
func (c *Client) Close() {
	if p := c.current(); p != nil {
		p.Close(ws.StatusNormalClosure, "agent shutting down")
	}
}

func (c *Client) current() *Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// bufferedConn drains bytes the dialer read past the handshake before
// reading from the socket.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(p)
	}
	return c.Conn.Read(p)
}
