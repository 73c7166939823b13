package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/pixelpilot/internal/api"
	"github.com/dgnsrekt/pixelpilot/internal/channel"
	"github.com/dgnsrekt/pixelpilot/internal/config"
	"github.com/dgnsrekt/pixelpilot/internal/controller"
	"github.com/dgnsrekt/pixelpilot/internal/journal"
	"github.com/dgnsrekt/pixelpilot/internal/logging"
	"github.com/dgnsrekt/pixelpilot/internal/netutil"
	"github.com/dgnsrekt/pixelpilot/internal/relay"
	"github.com/dgnsrekt/pixelpilot/internal/snapshot"
)

func main() {
	cfg, err := config.LoadHub()
	if err != nil {
		slog.Error("failed to load hub config", "error", err)
		os.Exit(1)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}
	defer logCloser.Close()

	slog.Info("pilotd config loaded",
		"bind_addr", cfg.BindAddr,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"command_timeout_ms", cfg.CommandTimeoutMS,
		"snapshot_dir", cfg.SnapshotDir,
		"journal_dir", cfg.JournalDir,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to bind hub address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}
	bindAddr := ln.Addr().String()

	var snapStore *snapshot.Store
	if cfg.SnapshotDir != "" {
		snapStore, err = snapshot.NewStore(cfg.SnapshotDir)
		if err != nil {
			slog.Error("failed to create snapshot store", "dir", cfg.SnapshotDir, "error", err)
			os.Exit(1)
		}
	}

	j := journal.New(cfg.JournalDir, cfg.JournalBuffer, cfg.JournalMaxMB)
	defer func() {
		if err := j.Close(); err != nil {
			slog.Debug("journal close failed", "error", err)
		}
	}()

	relayCfg := relay.DefaultConfig()
	if cfg.RelayConfig != "" {
		relayCfg, err = relay.LoadConfig(cfg.RelayConfig)
		if err != nil {
			slog.Error("failed to load relay config", "path", cfg.RelayConfig, "error", err)
			os.Exit(1)
		}
	}
	backlog := cfg.RelayBacklog
	if relayCfg.Backlog > 0 {
		backlog = relayCfg.Backlog
	}
	broker := relay.NewBroker(backlog)
	rel, err := relay.NewRelay(relayCfg, broker)
	if err != nil {
		slog.Error("failed to build relay", "error", err)
		os.Exit(1)
	}

	agents := channel.NewServer(channel.ServerConfig{
		Timeout:      time.Duration(cfg.CommandTimeoutMS) * time.Millisecond,
		PingInterval: time.Duration(cfg.PingIntervalMS) * time.Millisecond,
		DeadAfter:    time.Duration(cfg.DeadAfterMS) * time.Millisecond,
	})

	svc := controller.NewService(agents, snapStore, j, rel, controller.Options{KeepSnapshots: cfg.SnapshotKeep})
	agents.OnEvent(svc.HandleEvent)
	agents.OnConnect(svc.HandleConnect)

	h := api.NewServer(svc, api.Handlers{Agent: agents, Events: relay.SSEHandler(broker)})
	// Request contexts derive from baseCtx so open event streams end on shutdown.
	baseCtx, stopStreams := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		slog.Info("pilotd listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs", "agent_url", netutil.WebSocketURL(bindAddr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("pilotd server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	agents.Close()
	stopStreams()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("pilotd shutdown failed", "error", err)
	}
}
