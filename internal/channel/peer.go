// Package channel carries command envelopes between the hub and the browser
// agent over a websocket. A Peer correlates requests with responses by
// command_id; Client adds heartbeat and reconnection on the agent side and
// Server accepts the agent on the hub side.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/dgnsrekt/pixelpilot/internal/protocol"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultPingInterval = 20 * time.Second
	DefaultDeadAfter    = 30 * time.Second

	inboxSize = 64
)

// Handler processes an inbound envelope that is not a response or a
// heartbeat. Handlers run one at a time in arrival order. Commands arriving
// while inboxSize messages are already queued are answered with an error.
type Handler func(ctx context.Context, p *Peer, h protocol.Header, data []byte)

type PeerOptions struct {
	Name    string
	Timeout time.Duration
	Handler Handler
}

type pendingCommand struct {
	ch     chan protocol.Response
	issued time.Time
}

// Peer is one end of an established websocket.
type Peer struct {
	conn    net.Conn
	side    ws.State
	name    string
	timeout time.Duration
	handler Handler

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingCommand

	inbox     chan inbound
	done      chan struct{}
	closeOnce sync.Once
	lastPong  atomic.Int64
}

type inbound struct {
	header protocol.Header
	data   []byte
}

func NewPeer(conn net.Conn, side ws.State, opts PeerOptions) *Peer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	p := &Peer{
		conn:    conn,
		side:    side,
		name:    opts.Name,
		timeout: opts.Timeout,
		handler: opts.Handler,
		pending: make(map[string]*pendingCommand),
		inbox:   make(chan inbound, inboxSize),
		done:    make(chan struct{}),
	}
	p.lastPong.Store(time.Now().UnixNano())
	return p
}

// Done is closed once the connection has ended.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) LastPong() time.Time { return time.Unix(0, p.lastPong.Load()) }

// Pending returns the number of sends awaiting a response.
func (p *Peer) Pending() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return len(p.pending)
}

// Run reads until the connection fails or ctx ends and returns the read
// error. Pending sends fail with CHANNEL_CLOSED afterwards.
func (p *Peer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go p.work(ctx)
	stop := context.AfterFunc(ctx, p.shutdown)
	defer stop()

	err := p.readLoop()
	p.shutdown()
	slog.Debug("channel peer closed", "peer", p.name, "error", err)
	return err
}

func (p *Peer) shutdown() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

func (p *Peer) readLoop() error {
	control := wsutil.ControlFrameHandler(lockedWriter{p}, p.side)
	rd := &wsutil.Reader{
		Source:         p.conn,
		State:          p.side,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode == ws.OpClose {
			return p.closeReceived(rd)
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		p.dispatch(data)
	}
}

// closeReceived echoes the peer's close frame and reports its status code so
// callers can tell a deliberate closure from a dropped connection.
func (p *Peer) closeReceived(rd io.Reader) error {
	body, err := io.ReadAll(rd)
	if err != nil {
		return err
	}
	code, reason := ws.StatusNoStatusRcvd, ""
	var echo []byte
	if len(body) >= 2 {
		code, reason = ws.ParseCloseFrameData(body)
		echo = ws.NewCloseFrameBody(code, "")
	}
	p.writeMu.Lock()
	_ = wsutil.WriteMessage(p.conn, p.side, ws.OpClose, echo)
	p.writeMu.Unlock()
	return wsutil.ClosedError{Code: code, Reason: reason}
}

func (p *Peer) dispatch(data []byte) {
	h, err := protocol.DecodeHeader(data)
	if err != nil {
		slog.Warn("channel invalid envelope", "peer", p.name, "error", err)
		_ = p.Write(protocol.Control{Type: protocol.TypeError, Error: "invalid JSON format", Timestamp: protocol.Now()})
		return
	}

	switch {
	case h.IsResponse():
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Warn("channel invalid response", "peer", p.name, "command_id", h.CommandID, "error", err)
			return
		}
		p.resolve(resp)
	case h.Type == protocol.TypePing:
		if err := p.Write(protocol.NewControl(protocol.TypePong)); err != nil {
			slog.Debug("channel pong failed", "peer", p.name, "error", err)
		}
	case h.Type == protocol.TypePong:
		p.lastPong.Store(time.Now().UnixNano())
	case h.Type == protocol.TypeConnected:
		slog.Debug("channel greeting received", "peer", p.name)
	case h.Type == protocol.TypeError:
		var ctl protocol.Control
		_ = json.Unmarshal(data, &ctl)
		slog.Warn("channel peer reported error", "peer", p.name, "error", ctl.Error)
	default:
		select {
		case p.inbox <- inbound{header: h, data: data}:
		default:
			// Keep reading so heartbeats and responses still flow.
			p.reject(h)
		}
	}
}

func (p *Peer) reject(h protocol.Header) {
	slog.Warn("channel inbox full, rejecting message", "peer", p.name, "type", h.Type, "command_id", h.CommandID, "queued", len(p.inbox))
	if h.CommandID == "" {
		return
	}
	busy := protocol.NewError(protocol.CodeInternal, fmt.Sprintf("%s busy: %d commands queued", p.name, len(p.inbox)), nil)
	if err := p.Write(protocol.Fail(h.CommandID, busy)); err != nil {
		slog.Debug("channel busy reply failed", "peer", p.name, "error", err)
	}
}

func (p *Peer) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.inbox:
			if p.handler == nil {
				slog.Debug("channel message without handler", "peer", p.name, "type", msg.header.Type)
				continue
			}
			p.handler(ctx, p, msg.header, msg.data)
		}
	}
}

func (p *Peer) resolve(resp protocol.Response) {
	p.pendingMu.Lock()
	pc, ok := p.pending[resp.CommandID]
	if ok {
		delete(p.pending, resp.CommandID)
	}
	p.pendingMu.Unlock()
	if !ok {
		slog.Warn("channel dropped response for unknown command", "peer", p.name, "command_id", resp.CommandID)
		return
	}
	slog.Debug("channel response", "peer", p.name, "command_id", resp.CommandID,
		"success", resp.Success, "elapsed", time.Since(pc.issued))
	pc.ch <- resp
}

// Send writes cmd and waits for the correlated response. A missing
// command_id is filled with a fresh UUID. The wait ends at the earlier of
// ctx's deadline and the peer timeout.
func (p *Peer) Send(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	head := cmd.Head()
	if head.Type == "" {
		return protocol.Response{}, protocol.Validationf("command must have a type field")
	}
	if head.CommandID == "" {
		head.CommandID = uuid.NewString()
	}
	head.Stamp()
	id := head.CommandID

	pc := &pendingCommand{ch: make(chan protocol.Response, 1), issued: time.Now()}
	p.pendingMu.Lock()
	if _, dup := p.pending[id]; dup {
		p.pendingMu.Unlock()
		return protocol.Response{}, protocol.Validationf("duplicate command id %s", id)
	}
	p.pending[id] = pc
	p.pendingMu.Unlock()

	if err := p.Write(cmd); err != nil {
		p.forget(id)
		return protocol.Response{}, err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case resp := <-pc.ch:
		return resp, nil
	case <-timer.C:
		p.forget(id)
		return protocol.Response{}, protocol.NewError(protocol.CodeTimeout,
			fmt.Sprintf("no response to %s within %s", id, p.timeout), nil)
	case <-ctx.Done():
		p.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.Response{}, protocol.NewError(protocol.CodeTimeout, "no response to "+id, ctx.Err())
		}
		return protocol.Response{}, ctx.Err()
	case <-p.done:
		p.forget(id)
		return protocol.Response{}, protocol.NewError(protocol.CodeChannelClosed, "connection closed while waiting for "+id, nil)
	}
}

func (p *Peer) forget(id string) {
	p.pendingMu.Lock()
	delete(p.pending, id)
	p.pendingMu.Unlock()
}

// Write sends v as a JSON text frame.
func (p *Peer) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("channel: marshal: %w", err)
	}
	select {
	case <-p.done:
		return protocol.NewError(protocol.CodeChannelClosed, "connection closed", nil)
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := wsutil.WriteMessage(p.conn, p.side, ws.OpText, data); err != nil {
		return protocol.NewError(protocol.CodeChannelClosed, "write failed", err)
	}
	return nil
}

// Close sends a close frame with code and tears the connection down.
func (p *Peer) Close(code ws.StatusCode, reason string) {
	p.writeMu.Lock()
	_ = wsutil.WriteMessage(p.conn, p.side, ws.OpClose, ws.NewCloseFrameBody(code, reason))
	p.writeMu.Unlock()
	p.shutdown()
}

// Heartbeat pings every interval and closes the connection when no pong
// has arrived for deadAfter. It returns when the peer or ctx ends.
func (p *Peer) Heartbeat(ctx context.Context, interval, deadAfter time.Duration) {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	if deadAfter <= 0 {
		deadAfter = DefaultDeadAfter
	}
	ping := time.NewTicker(interval)
	defer ping.Stop()
	watch := time.NewTicker(deadAfter / 5)
	defer watch.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ping.C:
			if err := p.Write(protocol.NewControl(protocol.TypePing)); err != nil {
				return
			}
		case <-watch.C:
			if silent := time.Since(p.LastPong()); silent > deadAfter {
				slog.Warn("channel peer unresponsive, closing", "peer", p.name, "silent", silent)
				p.shutdown()
				return
			}
		}
	}
}

// lockedWriter routes control-frame replies through the peer's write lock.
type lockedWriter struct{ p *Peer }

func (w lockedWriter) Write(b []byte) (int, error) {
	w.p.writeMu.Lock()
	defer w.p.writeMu.Unlock()
	return w.p.conn.Write(b)
}
