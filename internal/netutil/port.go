// Package netutil binds the hub's listener and derives the URL agents dial.
package netutil

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
)

// ErrNoAddr is returned when neither the preferred address nor any
// candidate can be bound.
var ErrNoAddr = errors.New("no available hub bind addresses")

// Listen binds preferred, or with autoFallback the first free candidate.
// The listener is returned bound so no other process can take the port
// between selection and serving. Errors other than "address in use" stop
// the search.
func Listen(preferred string, candidates []string, autoFallback bool) (net.Listener, error) {
	tried := map[string]bool{}
	try := func(addr string) (net.Listener, bool, error) {
		tried[addr] = true
		ln, err := net.Listen("tcp", addr)
		switch {
		case err == nil:
			return ln, true, nil
		case errors.Is(err, syscall.EADDRINUSE):
			return nil, false, nil
		default:
			return nil, false, fmt.Errorf("listen %s: %w", addr, err)
		}
	}

	if preferred != "" {
		ln, ok, err := try(preferred)
		if err != nil || ok {
			return ln, err
		}
		if !autoFallback {
			return nil, fmt.Errorf("preferred bind address in use: %s", preferred)
		}
		slog.Warn("preferred bind address in use, trying candidates", "preferred", preferred, "candidates", len(candidates))
	}

	for _, addr := range candidates {
		if tried[addr] {
			continue
		}
		ln, ok, err := try(addr)
		if err != nil {
			return nil, err
		}
		if ok {
			return ln, nil
		}
	}
	return nil, ErrNoAddr
}

// WebSocketURL returns the ws:// url an agent should dial for a hub bound
// at addr. Wildcard hosts become loopback.
func WebSocketURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "ws://" + addr + "/ws"
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + "/ws"
}
