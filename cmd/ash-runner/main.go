package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ash-run/ash/internal/api"
	"github.com/ash-run/ash/internal/config"
	"github.com/ash-run/ash/internal/pool"
	"github.com/ash-run/ash/internal/runner"
	"github.com/ash-run/ash/internal/sandbox"
	"github.com/ash-run/ash/internal/state"
	"github.com/ash-run/ash/internal/store"
)

// ash-runner hosts sandboxes on behalf of a coordinator. It keeps its own
// local store for sandbox rows; the coordinator only sees the HTTP surface
// and the heartbeat stream.
func main() {
	cfgPath := flag.String("config", "", "path to ash.yaml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if cfg.ServerURL == "" {
		logger.Error("server_url is required in runner mode")
		os.Exit(1)
	}

	runnerID := cfg.RunnerID
	if runnerID == "" {
		runnerID = "runner-" + uuid.New().String()[:12]
	}
	advertiseHost := cfg.RunnerAdvertiseHost
	if advertiseHost == "" {
		advertiseHost = cfg.Host
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("create data dir", "error", err)
		os.Exit(1)
	}
	db, err := store.New(filepath.Join(cfg.DataDir, "ash.db"))
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

	var local *runner.LocalBackend

	p := pool.New(db, pool.NewRuntimeSpawner(rt), pool.BridgeDialer(logger), pool.Options{
		Host:         runnerID,
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
		},
		OnProcessLost: func(e *pool.Entry, cause string) {
			if e.SessionID == "" {
				return
			}
			// Session rows live in the coordinator's store; pausing here only
			// covers co-located setups and is a no-op otherwise.
			if err := db.UpdateSessionStatus(e.SessionID, store.SessionPaused); err != nil && !errors.Is(err, store.ErrNotFound) {
				logger.Warn("pausing session after sandbox loss failed",
					"session_id", e.SessionID, "cause", cause, "error", err)
			}
		},
		Logger: logger,
	})
	local = runner.NewLocalBackend(p, cfg.DataDir, cloud, cfg.Limits, logger)

	if err := p.Init(); err != nil {
		logger.Error("pool init", "error", err)
		os.Exit(1)
	}
	p.Start()

	rs := api.NewRunnerServer(local, cfg.InternalSecret,
		time.Duration(cfg.SSEWriteTimeoutMs)*time.Millisecond, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.RunnerPort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           rs.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := runner.NewAgent(cfg.ServerURL, cfg.InternalSecret, runner.RegisterRequest{
		ID:           runnerID,
		Host:         advertiseHost,
		Port:         cfg.RunnerPort,
		MaxSandboxes: cfg.MaxSandboxes,
	}, p, time.Duration(cfg.HeartbeatIntervalMs)*time.Millisecond, logger)

	if err := agent.Register(ctx); err != nil {
		logger.Error("registering with coordinator", "error", err)
		os.Exit(1)
	}
	agentDone := make(chan struct{})
	go func() {
		agent.Run(ctx) // deregisters when ctx is canceled
		close(agentDone)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
		// Wait for the deregister POST so the coordinator stops routing here
		// before the HTTP surface goes away.
		<-agentDone

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		p.Close(shutdownCtx)
	}()

	logger.Info("runner listening", "addr", addr, "runner_id", runnerID, "coordinator", cfg.ServerURL)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
