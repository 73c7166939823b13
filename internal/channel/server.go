package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/dgnsrekt/pixelpilot/internal/protocol"
)

type ServerConfig struct {
	Timeout      time.Duration
	PingInterval time.Duration
	DeadAfter    time.Duration
}

// Server accepts the agent's websocket. Only the most recent agent is kept;
// an older connection is closed with a policy-violation code so that it
// does not reconnect.
type Server struct {
	cfg ServerConfig

	mu        sync.Mutex
	peer      *Peer
	ctx       context.Context
	cancel    context.CancelFunc
	onEvent   func(protocol.Event)
	onConnect func(bool)
}

func NewServer(cfg ServerConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{cfg: cfg, ctx: ctx, cancel: cancel}
}

// OnEvent registers a hook for event envelopes sent by the agent.
func (s *Server) OnEvent(fn func(protocol.Event)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

// OnConnect registers a hook called when the agent connects or leaves.
func (s *Server) OnConnect(fn func(connected bool)) {
	s.mu.Lock()
	s.onConnect = fn
	s.mu.Unlock()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Warn("channel upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	slog.Info("channel agent connected", "remote", r.RemoteAddr)

	peer := NewPeer(conn, ws.StateServerSide, PeerOptions{
		Name:    "agent@" + r.RemoteAddr,
		Timeout: s.cfg.Timeout,
		Handler: s.handle,
	})

	s.mu.Lock()
	prev := s.peer
	s.peer = peer
	hook := s.onConnect
	s.mu.Unlock()
	if prev != nil {
		slog.Info("channel replacing previous agent connection")
		prev.Close(ws.StatusPolicyViolation, "superseded by a newer agent connection")
	}

	greeting := protocol.NewControl(protocol.TypeConnected)
	greeting.Message = "Connected to pixelpilot hub"
	if err := peer.Write(greeting); err != nil {
		slog.Warn("channel greeting failed", "error", err)
	}
	if hook != nil {
		hook(true)
	}

	hbCtx, cancel := context.WithCancel(s.ctx)
	go peer.Heartbeat(hbCtx, s.cfg.PingInterval, s.cfg.DeadAfter)
	err = peer.Run(s.ctx)
	cancel()

	s.mu.Lock()
	current := s.peer == peer
	if current {
		s.peer = nil
	}
	hook = s.onConnect
	s.mu.Unlock()
	slog.Info("channel agent disconnected", "remote", r.RemoteAddr, "error", err)
	if current && hook != nil {
		hook(false)
	}
}

func (s *Server) handle(ctx context.Context, p *Peer, h protocol.Header, data []byte) {
	if h.Type != protocol.TypeEvent {
		slog.Warn("channel unexpected message from agent", "type", h.Type)
		return
	}
	var evt protocol.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		slog.Warn("channel invalid event", "error", err)
		return
	}
	slog.Debug("channel event", "event_type", evt.EventType)
	s.mu.Lock()
	hook := s.onEvent
	s.mu.Unlock()
	if hook != nil {
		hook(evt)
	}
}

// Send forwards cmd to the connected agent.
func (s *Server) Send(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	s.mu.Lock()
	p := s.peer
	s.mu.Unlock()
	if p == nil {
		return protocol.Response{}, protocol.NewError(protocol.CodeChannelClosed, "no agent connected", nil)
	}
	return p.Send(ctx, cmd)
}

func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer != nil
}

// Close disconnects the agent with a normal closure.
func (s *Server) Close() {
	s.mu.Lock()
	p := s.peer
	s.mu.Unlock()
	if p != nil {
		p.Close(ws.StatusNormalClosure, "hub shutting down")
	}
	s.cancel()
}
