package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/pixelpilot/internal/agent"
	"github.com/dgnsrekt/pixelpilot/internal/browser"
	"github.com/dgnsrekt/pixelpilot/internal/cdpcontrol"
	"github.com/dgnsrekt/pixelpilot/internal/channel"
	"github.com/dgnsrekt/pixelpilot/internal/config"
	"github.com/dgnsrekt/pixelpilot/internal/coords"
	"github.com/dgnsrekt/pixelpilot/internal/logging"
	"github.com/dgnsrekt/pixelpilot/internal/notify"
	"github.com/dgnsrekt/pixelpilot/internal/session"
	"github.com/dgnsrekt/pixelpilot/internal/targets"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		slog.Error("failed to load agent config", "error", err)
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

	slog.Info("pilot-agent config loaded",
		"cdp_url", cfg.CDPURL(),
		"hub_url", cfg.HubURL,
		"launch_browser", cfg.LaunchBrowser,
		"profile", cfg.ProfilePath,
		"reference", coords.Size{W: cfg.ReferenceWidth, H: cfg.ReferenceHeight},
		"session_idle_ms", cfg.SessionIdleMS,
		"restricted_patterns", len(cfg.Restricted),
		"log_level", cfg.LogLevel,
	)

	profile := &config.AgentProfile{}
	if cfg.ProfilePath != "" {
		p, err := config.LoadProfile(cfg.ProfilePath)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("agent profile not found, continuing without startup tabs", "path", cfg.ProfilePath)
		case err != nil:
			slog.Error("failed to load agent profile", "path", cfg.ProfilePath, "error", err)
			os.Exit(1)
		default:
			profile = p
		}
	}

	var notifier *notify.Notifier
	if cfg.NotifyURL != "" {
		if notifier, err = notify.New(cfg.NotifyURL, nil); err != nil {
			slog.Error("invalid notify endpoint", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress:   cfg.CDPAddress,
			CDPPort:      cfg.CDPPort,
			ProfileDir:   cfg.BrowserDir,
			Headless:     cfg.Headless,
			WindowWidth:  cfg.ReferenceWidth,
			WindowHeight: cfg.ReferenceHeight,
		})
		if err := launcher.Launch(ctx); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	callTimeout := time.Duration(cfg.CallTimeoutMS) * time.Millisecond
	cdp := cdpcontrol.NewClient(cfg.CDPURL(), callTimeout)
	if err := cdp.Connect(ctx); err != nil {
		slog.Error("failed to connect CDP", "cdp_url", cfg.CDPURL(), "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cdp.Close(); err != nil {
			slog.Debug("CDP client close failed", "error", err)
		}
	}()

	sessions, err := session.NewManager(cdp, session.Config{
		IdleTimeout: time.Duration(cfg.SessionIdleMS) * time.Millisecond,
		Restricted:  cfg.Restricted,
	})
	if err != nil {
		slog.Error("failed to create session manager", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	tm := targets.NewManager(cdp, cdp, targets.Config{Title: profile.GroupTitle})
	svc := agent.NewService(tm, sessions, agent.Config{
		Reference:   coords.Size{W: cfg.ReferenceWidth, H: cfg.ReferenceHeight},
		CallTimeout: callTimeout,
	})
	cdp.OnDetached(svc.HandleDetached)
	cdp.OnTargetDestroyed(svc.HandleTargetClosed)

	client := channel.NewClient(channel.ClientConfig{
		URL:     cfg.HubURL,
		Name:    "hub",
		Handler: svc.Handle,
	})
	tm.OnStatus(agent.ReportStatus(client))
	client.OnState(func(s channel.ConnState) {
		if err := tm.UpdateStatus(ctx, agent.StatusForState(s)); err != nil {
			slog.Warn("group status update failed", "state", s, "error", err)
		}
	})

	for i, tab := range profile.Tabs {
		var tabID, groupID int
		var err error
		if i == 0 {
			tabID, groupID, err = tm.InitializeSession(ctx, tab.URL)
		} else {
			tabID, err = tm.Open(ctx, tab.URL, true)
		}
		if err != nil {
			slog.Error("startup tab failed", "url", tab.URL, "error", err)
			continue
		}
		slog.Info("startup tab opened", "url", tab.URL, "tab_id", tabID, "group_id", groupID)
	}

	go tm.Run(ctx)

	slog.Info("pilot-agent connecting", "hub_url", cfg.HubURL)
	err = client.Run(ctx)
	switch {
	case errors.Is(err, channel.ErrGaveUp):
		slog.Error("pilot-agent gave up reconnecting", "hub_url", cfg.HubURL)
		if notifier != nil {
			nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if nerr := notifier.Send(nctx, notify.HubLost(cfg.HubURL, err)); nerr != nil {
				slog.Warn("disconnect notification failed", "error", nerr)
			}
			cancel()
		}
	case errors.Is(err, channel.ErrClosedByPeer):
		slog.Info("pilot-agent closed by hub", "error", err)
	case ctx.Err() != nil:
		slog.Info("pilot-agent shutting down")
		client.Close()
	default:
		slog.Error("pilot-agent channel failed", "error", err)
	}
}
