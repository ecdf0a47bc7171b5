package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ash-run/ash/internal/api"
	"github.com/ash-run/ash/internal/config"
	"github.com/ash-run/ash/internal/pool"
	"github.com/ash-run/ash/internal/router"
	"github.com/ash-run/ash/internal/runner"
	"github.com/ash-run/ash/internal/sandbox"
	"github.com/ash-run/ash/internal/state"
	"github.com/ash-run/ash/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "path to ash.yaml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.DebugTiming {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if cfg.APIKey == "" {
		logger.Warn("no API key configured — running in open access mode")
	}

	dbPath := cfg.DatabaseURL
	if dbPath == "" {
		dbPath = filepath.Join(cfg.DataDir, "ash.db")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("create data dir", "error", err)
		os.Exit(1)
	}
	db, err := store.New(dbPath)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rt, err := sandbox.NewRuntime(cfg.DataDir, cfg.BridgeEntry, logger)
	if err != nil {
		logger.Error("sandbox runtime", "error", err)
		os.Exit(1)
	}

	cloud, err := state.NewCloudStore(cfg.SnapshotURL)
	if err != nil {
		logger.Error("snapshot store", "error", err)
		os.Exit(1)
	}

	// The backend is built after the pool, so the eviction hook closes over
	// a pointer that is assigned below.
	var local *runner.LocalBackend

	p := pool.New(db, pool.NewRuntimeSpawner(rt), pool.BridgeDialer(logger), pool.Options{
		Host:         runner.LocalRunnerID,
		MaxSandboxes: cfg.MaxSandboxes,
		IdleTimeout:  time.Duration(cfg.IdleTimeoutMs) * time.Millisecond,
		ColdTTL:      time.Duration(cfg.ColdCleanupTTLMs) * time.Millisecond,
		OnBeforeEvict: func(e *pool.Entry) {
			if local == nil || e.SessionID == "" {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := local.PersistState(ctx, e.SandboxID, e.SessionID, e.AgentName); err != nil {
				logger.Warn("persisting state before eviction failed",
					"sandbox_id", e.SandboxID, "session_id", e.SessionID, "error", err)
			}
			if err := db.UpdateSessionStatus(e.SessionID, store.SessionPaused); err != nil {
				logger.Warn("pausing evicted session failed", "session_id", e.SessionID, "error", err)
			}
		},
		OnProcessLost: func(e *pool.Entry, cause string) {
			if e.SessionID == "" {
				return
			}
			if err := db.UpdateSessionStatus(e.SessionID, store.SessionPaused); err != nil {
				logger.Warn("pausing session after sandbox loss failed",
					"session_id", e.SessionID, "cause", cause, "error", err)
				return
			}
			logger.Info("session paused after sandbox loss", "session_id", e.SessionID, "cause", cause)
		},
		Logger: logger,
	})
	local = runner.NewLocalBackend(p, cfg.DataDir, cloud, cfg.Limits, logger)

	if err := p.Init(); err != nil {
		logger.Error("pool init", "error", err)
		os.Exit(1)
	}
	p.Start()

	coord := runner.NewCoordinator(db, local, cfg.InternalSecret,
		time.Duration(cfg.RunnerLivenessTimeoutMs)*time.Millisecond, logger)
	if cfg.Mode == config.ModeCoordinator {
		coord.StartLivenessSweep()
	}

	rtr := router.New(db, coord, time.Duration(cfg.SSEWriteTimeoutMs)*time.Millisecond, logger)
	srv := api.NewServer(db, rtr, coord, p, cfg.Limits, cfg.APIKey, cfg.InternalSecret, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: message streams stay open for the whole turn and
		// carry per-write deadlines instead.
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		coord.Stop()
		p.Close(shutdownCtx)
	}()

	logger.Info("listening", "addr", addr, "mode", cfg.Mode)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
