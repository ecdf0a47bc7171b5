package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/ash-run/ash/internal/pool"
)

type RegisterRequest struct {
	ID           string `json:"id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	MaxSandboxes int    `json:"max_sandboxes"`
}

type HeartbeatRequest struct {
	ID    string     `json:"id"`
	Stats pool.Stats `json:"stats"`

	// Host pressure, informational only; the coordinator logs it.
	HostCPUPercent float64 `json:"host_cpu_percent"`
	HostMemPercent float64 `json:"host_mem_percent"`
}

type DeregisterRequest struct {
	ID string `json:"id"`
}

// Agent is the runner-side registration loop: register once, heartbeat on
// an interval, deregister on shutdown. Transient failures are logged and
// retried next cycle.
type Agent struct {
	serverURL string
	secret    string
	pool      *pool.Pool
	interval  time.Duration
	logger    *slog.Logger
	client    *http.Client

	reg RegisterRequest
}

func NewAgent(serverURL, secret string, reg RegisterRequest, p *pool.Pool, interval time.Duration, logger *slog.Logger) *Agent {
	return &Agent{
		serverURL: serverURL,
		secret:    secret,
		pool:      p,
		interval:  interval,
		logger:    logger,
		client:    &http.Client{Timeout: 10 * time.Second},
		reg:       reg,
	}
}

func (a *Agent) Register(ctx context.Context) error {
	if err := a.post(ctx, "/api/internal/runners/register", a.reg); err != nil {
		return fmt.Errorf("registering runner %s: %w", a.reg.ID, err)
	}
	a.logger.Info("registered with coordinator", "runner_id", a.reg.ID, "server", a.serverURL)
	return nil
}

// Run heartbeats until ctx is canceled, then deregisters.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.deregister()
			return
		case <-ticker.C:
			a.heartbeat(ctx)
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	hb := HeartbeatRequest{ID: a.reg.ID, Stats: a.pool.Stats()}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		hb.HostCPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hb.HostMemPercent = vm.UsedPercent
	}

	if err := a.post(ctx, "/api/internal/runners/heartbeat", hb); err != nil {
		a.logger.Warn("heartbeat failed", "runner_id", a.reg.ID, "error", err)
		// Re-register next cycle in case the coordinator swept us.
		if err := a.post(ctx, "/api/internal/runners/register", a.reg); err != nil {
			a.logger.Warn("re-register failed", "runner_id", a.reg.ID, "error", err)
		}
	}
}

func (a *Agent) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.post(ctx, "/api/internal/runners/deregister", DeregisterRequest{ID: a.reg.ID}); err != nil {
		a.logger.Warn("deregister failed", "runner_id", a.reg.ID, "error", err)
		return
	}
	a.logger.Info("deregistered from coordinator", "runner_id", a.reg.ID)
}

func (a *Agent) post(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.serverURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.secret != "" {
		req.Header.Set("Authorization", "Bearer "+a.secret)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	return nil
}
