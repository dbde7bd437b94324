package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"actionrunner/internal/api"
	"actionrunner/internal/config"
	"actionrunner/internal/core"
	"actionrunner/internal/logging"
	actionrunnermcp "actionrunner/internal/mcp"
	"actionrunner/internal/notify"
	"actionrunner/internal/runner"
	"actionrunner/internal/store"
)

var version = "dev"

// app bundles the wired components shared by every run mode.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	store        *store.Store
	artifacts    *store.Artifacts
	orchestrator *core.Orchestrator
	scheduler    *core.Scheduler
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the protocol in mcp mode.
	logOut := os.Stdout
	if cfg.Mode == "mcp" {
		logOut = os.Stderr
	}
	logger := logging.NewWithFormat(logOut, cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup", "err", err)
		os.Exit(1)
	}
	defer a.store.Close()

	a.scheduler.Start(ctx)
	if err := a.orchestrator.Reconcile(ctx, cfg.ResumeRecurring); err != nil {
		logger.Error("reconcile", "err", err)
	}

	switch cfg.Mode {
	case "http":
		runHTTPMode(ctx, a, nil)
	case "mcp":
		runMCPMode(ctx, cancel, a)
	case "both":
		runHTTPMode(ctx, a, newMCPServer(a))
	}
	cancel()
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(ctx, cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if cfg.ActionsFile != "" {
		if err := seedActions(ctx, st, cfg.ActionsFile, logger); err != nil {
			st.Close()
			return nil, err
		}
	}

	artifacts, err := store.NewArtifacts(cfg.ScreenshotDir(), cfg.Server.PublicURL)
	if err != nil {
		st.Close()
		return nil, err
	}

	settings := runner.DefaultSettings
	if cfg.Runner.SettingsFile != "" {
		if settings, err = runner.LoadSettings(cfg.Runner.SettingsFile); err != nil {
			st.Close()
			return nil, err
		}
	}
	remote := runner.New(runner.Config{
		BaseURL:          cfg.Runner.BaseURL,
		Timeout:          cfg.Runner.Timeout,
		Settings:         settings,
		BreakerFailures:  uint32(cfg.Runner.BreakerFailures),
		BreakerOpenDelay: cfg.Runner.BreakerOpenDelay,
	}, logger)

	notifier, err := buildNotifier(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}
	scheduler := core.NewScheduler(logger, location)
	lifecycle := core.NewLifecycle(st, artifacts, notifier, logger)
	orchestrator := core.NewOrchestrator(st, lifecycle, remote, scheduler, notifier, logger)

	if cfg.Housekeeping.Enabled {
		housekeeper := core.NewHousekeeper(st, artifacts, logger)
		err := scheduler.AddMaintenance("remove-finished-automations", cfg.Housekeeping.Cron, func(ctx context.Context) error {
			_, err := housekeeper.Sweep(ctx)
			return err
		})
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	return &app{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		artifacts:    artifacts,
		orchestrator: orchestrator,
		scheduler:    scheduler,
	}, nil
}

func seedActions(ctx context.Context, st *store.Store, path string, logger *slog.Logger) error {
	actions, err := config.LoadActions(path)
	if err != nil {
		return err
	}
	for _, action := range actions {
		if err := st.UpsertAction(ctx, action); err != nil {
			return err
		}
		logger.Info("action seeded", "action_id", action.ID, "name", action.Name)
	}
	return nil
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) (core.Notifier, error) {
	var notifiers []core.Notifier
	if tg := cfg.Notification.Telegram; tg.Enabled {
		n, err := notify.NewTelegramNotifier(tg.Token, notify.WithTelegramDefaultChat(tg.DefaultChat))
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	if bark := cfg.Notification.Bark; bark.Enabled {
		n, err := notify.NewBarkNotifier(bark.URL)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	if len(notifiers) == 0 {
		logger.Info("notifications disabled")
		return notify.NoOpNotifier{}, nil
	}
	return notify.NewMultiNotifier(notifiers...), nil
}

func newMCPServer(a *app) *actionrunnermcp.MCPServer {
	return actionrunnermcp.NewMCPServer(a.orchestrator, a.store, a.artifacts, a.logger, version)
}

// runHTTPMode serves the HTTP API (and /mcp when mcpServer is set) until a
// signal or a server error.
func runHTTPMode(ctx context.Context, a *app, mcpServer *actionrunnermcp.MCPServer) {
	opts := api.Options{
		Addr:      a.cfg.Server.Addr,
		AuthToken: a.cfg.Server.AuthToken,
		RateLimit: a.cfg.Server.RateLimit,
		RateBurst: a.cfg.Server.RateBurst,
	}
	if mcpServer != nil {
		opts.MCP = mcpServer.Handler()
	}
	server := api.NewServer(ctx, opts, a.orchestrator, a.store, a.artifacts, a.logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		a.logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		a.logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown", "err", err)
	}
	stopScheduler(a)
	a.logger.Info("shutdown complete")
}

// runMCPMode serves MCP over stdio until stdin closes or a signal arrives.
func runMCPMode(ctx context.Context, cancel context.CancelFunc, a *app) {
	mcpServer := newMCPServer(a)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigs:
			a.logger.Info("received signal, shutting down...")
			stopScheduler(a)
			cancel()
			os.Exit(0)
		case <-ctx.Done():
		}
	}()

	if err := mcpServer.Run(); err != nil {
		a.logger.Error("mcp server error", "err", err)
	}
	stopScheduler(a)
}

func stopScheduler(a *app) {
	stopCtx := a.scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(a.cfg.ShutdownGrace):
		a.logger.Warn("scheduler stop timed out")
	}
}
