package cdpcontrol

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var errBrowserGone = errors.New("browser connection closed")

// cdpError is the browser's error reply to a single method call.
type cdpError struct {
	Method  string `json:"-"`
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *cdpError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Method, e.Message, e.Code)
}

type reply struct {
	result json.RawMessage
	err    *cdpError
}

// frame is any message read from the browser socket. Replies carry an ID,
// events carry a Method.
type frame struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId"`
	Params    json.RawMessage `json:"params"`
	Result    json.RawMessage `json:"result"`
	Error     *cdpError       `json:"error"`
}

// browserConn is one websocket to the browser-level endpoint. Page sessions
// are flat and share it; their commands carry sessionId in the envelope.
// A browserConn is never redialled: once closed the Client replaces it.
type browserConn struct {
	base string
	conn net.Conn

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan reply

	handlersMu sync.RWMutex
	handlers   map[string][]func(json.RawMessage)

	closed    chan struct{}
	closeOnce sync.Once
}

// dialBrowser discovers the debugger URL under base and opens the socket.
func dialBrowser(ctx context.Context, base string) (*browserConn, error) {
	base = strings.TrimRight(base, "/")
	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := getJSON(ctx, base+"/json/version", &version); err != nil {
		return nil, fmt.Errorf("discover debugger url: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return nil, errors.New("discover debugger url: empty webSocketDebuggerUrl")
	}

	slog.Debug("cdpcontrol dialing browser", "ws_url", version.WebSocketDebuggerURL)
	conn, br, _, err := ws.Dial(ctx, version.WebSocketDebuggerURL)
	if err != nil {
		return nil, fmt.Errorf("dial browser: %w", err)
	}
	if br != nil {
		conn = &handshakeConn{Conn: conn, br: br}
	}

	b := &browserConn{
		base:     base,
		conn:     conn,
		pending:  make(map[int64]chan reply),
		handlers: make(map[string][]func(json.RawMessage)),
		closed:   make(chan struct{}),
	}
	go b.readFrames()
	return b, nil
}

func (b *browserConn) close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.conn.Close()
	})
}

func (b *browserConn) alive() bool {
	select {
	case <-b.closed:
		return false
	default:
		return true
	}
}

// on subscribes fn to a CDP event method. Handlers run on the reader and
// must not block.
func (b *browserConn) on(method string, fn func(params json.RawMessage)) {
	b.handlersMu.Lock()
	b.handlers[method] = append(b.handlers[method], fn)
	b.handlersMu.Unlock()
}

func (b *browserConn) readFrames() {
	defer b.failPending()
	defer b.close()
	for {
		data, err := wsutil.ReadServerText(b.conn)
		if err != nil {
			if b.alive() {
				slog.Debug("cdpcontrol browser socket closed", "error", err)
			}
			return
		}
		var f frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		switch {
		case f.ID > 0:
			b.pendingMu.Lock()
			ch, ok := b.pending[f.ID]
			delete(b.pending, f.ID)
			b.pendingMu.Unlock()
			if ok {
				ch <- reply{result: f.Result, err: f.Error}
			}
		case f.Method != "":
			b.handlersMu.RLock()
			fns := b.handlers[f.Method]
			b.handlersMu.RUnlock()
			for _, fn := range fns {
				fn(f.Params)
			}
		}
	}
}

func (b *browserConn) failPending() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
}

// send invokes method on sessionID, or on the browser when sessionID is
// empty, and returns the reply's result object.
func (b *browserConn) send(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if !b.alive() {
		return nil, fmt.Errorf("%s: %w", method, errBrowserGone)
	}

	id := b.nextID.Add(1)
	data, err := json.Marshal(struct {
		ID        int64  `json:"id"`
		Method    string `json:"method"`
		SessionID string `json:"sessionId,omitempty"`
		Params    any    `json:"params,omitempty"`
	}{id, method, sessionID, params})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	ch := make(chan reply, 1)
	b.pendingMu.Lock()
	b.pending[id] = ch
	b.pendingMu.Unlock()
	forget := func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}

	b.writeMu.Lock()
	err = wsutil.WriteClientText(b.conn, data)
	b.writeMu.Unlock()
	if err != nil {
		forget()
		b.close()
		return nil, fmt.Errorf("%s: %w: %w", method, errBrowserGone, err)
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", method, errBrowserGone)
		}
		if r.err != nil {
			r.err.Method = method
			return nil, r.err
		}
		return r.result, nil
	case <-ctx.Done():
		forget()
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// targetList reads /json/list, which keeps the browser's own tab order.
func (b *browserConn) targetList(ctx context.Context) ([]*target.Info, error) {
	var entries []struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := getJSON(ctx, b.base+"/json/list", &entries); err != nil {
		return nil, err
	}
	infos := make([]*target.Info, len(entries))
	for i, e := range entries {
		infos[i] = &target.Info{TargetID: target.ID(e.ID), Type: e.Type, Title: e.Title, URL: e.URL}
	}
	return infos, nil
}

func getJSON(ctx context.Context, url string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// handshakeConn drains bytes the dialer buffered past the upgrade response.
type handshakeConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *handshakeConn) Read(p []byte) (int, error) {
	if c.br != nil && c.br.Buffered() > 0 {
		return c.br.Read(p)
	}
	return c.Conn.Read(p)
}
