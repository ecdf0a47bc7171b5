package runner

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ash-run/ash/internal/metrics"
	"github.com/ash-run/ash/internal/store"
)

// Coordinator schedules sessions across the runner fleet. All shared state
// lives in the DB; several coordinators can run behind a load balancer, the
// backends map is only a per-process cache of HTTP clients.
type Coordinator struct {
	db              *store.Store
	local           Backend // nil when this process hosts no sandboxes
	internalSecret  string
	livenessTimeout time.Duration
	logger          *slog.Logger

	mu       sync.Mutex
	backends map[string]*RemoteBackend

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewCoordinator(db *store.Store, local Backend, internalSecret string, livenessTimeout time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		db:              db,
		local:           local,
		internalSecret:  internalSecret,
		livenessTimeout: livenessTimeout,
		logger:          logger,
		backends:        make(map[string]*RemoteBackend),
		stopCh:          make(chan struct{}),
	}
}

// Register upserts the runner row; also refreshes the heartbeat.
func (c *Coordinator) Register(id, host string, port, maxSandboxes int) error {
	if err := c.db.UpsertRunner(id, host, port, maxSandboxes); err != nil {
		return err
	}
	c.logger.Info("runner registered", "runner_id", id, "host", host, "port", port, "max_sandboxes", maxSandboxes)
	return nil
}

// Heartbeat records a runner's pool stats. A heartbeat for a deleted runner
// is a no-op; the runner re-registers on its next cycle.
func (c *Coordinator) Heartbeat(id string, activeCount, warmingCount int) error {
	metrics.RunnerHeartbeats.Inc()
	return c.db.UpdateRunnerStats(id, activeCount, warmingCount)
}

// Deregister pauses the runner's sessions and deletes the row; a clean
// shutdown looks exactly like a detected death.
func (c *Coordinator) Deregister(id string) error {
	return c.HandleDeadRunner(id)
}

func (c *Coordinator) ListRunners() ([]*store.Runner, error) {
	return c.db.ListRunners()
}

// SelectBackend picks the live runner with the most free slots; with no
// live runner it falls back to the local backend, then fails.
func (c *Coordinator) SelectBackend() (Backend, error) {
	runners, err := c.db.ListRunners()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-c.livenessTimeout)
	var best *store.Runner
	bestFree := 0
	for _, r := range runners {
		if r.LastHeartbeatAt.Before(cutoff) {
			continue
		}
		free := r.MaxSandboxes - r.ActiveCount - r.WarmingCount
		if free > bestFree {
			best, bestFree = r, free
		}
	}
	if best != nil {
		return c.remoteBackend(best), nil
	}
	if c.local != nil {
		return c.local, nil
	}
	return nil, ErrNoRunnersAvailable
}

// BackendForRunner resolves an existing session's binding. Empty or
// LocalRunnerID means the in-process backend.
func (c *Coordinator) BackendForRunner(runnerID string) (Backend, error) {
	if runnerID == "" || runnerID == LocalRunnerID {
		if c.local == nil {
			return nil, fmt.Errorf("session bound locally but no local backend: %w", ErrNoRunnersAvailable)
		}
		return c.local, nil
	}

	c.mu.Lock()
	if b, ok := c.backends[runnerID]; ok {
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	row, err := c.db.GetRunner(runnerID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("runner %s: %w", runnerID, ErrNoRunnersAvailable)
	}
	return c.remoteBackend(row), nil
}

func (c *Coordinator) remoteBackend(row *store.Runner) *RemoteBackend {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.backends[row.ID]; ok {
		return b
	}
	baseURL := fmt.Sprintf("http://%s:%d", row.Host, row.Port)
	b := NewRemoteBackend(row.ID, baseURL, c.internalSecret, c.logger)
	c.backends[row.ID] = b
	return b
}

// HandleDeadRunner pauses the runner's active sessions and removes its row.
// Safe to run concurrently from several coordinators: the pause is a plain
// status write and the delete tolerates a missing row.
func (c *Coordinator) HandleDeadRunner(id string) error {
	sessions, err := c.db.ListSessionsByRunner(id)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.Status != store.SessionActive && sess.Status != store.SessionStarting {
			continue
		}
		if err := c.db.UpdateSessionStatus(sess.ID, store.SessionPaused); err != nil {
			c.logger.Warn("pausing orphaned session failed", "session_id", sess.ID, "error", err)
			continue
		}
		c.logger.Info("session paused, runner gone", "session_id", sess.ID, "runner_id", id)
	}

	if err := c.db.DeleteRunner(id); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.backends, id)
	c.mu.Unlock()
	return nil
}

// StartLivenessSweep watches for runners that stopped heartbeating.
func (c *Coordinator) StartLivenessSweep() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.livenessTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sweepDead()
			}
		}
	}()
}

func (c *Coordinator) sweepDead() {
	runners, err := c.db.ListRunners()
	if err != nil {
		c.logger.Warn("listing runners failed", "error", err)
		return
	}
	cutoff := time.Now().UTC().Add(-c.livenessTimeout)
	for _, r := range runners {
		if !r.LastHeartbeatAt.Before(cutoff) {
			continue
		}
		c.logger.Warn("runner missed liveness window",
			"runner_id", r.ID, "last_heartbeat_at", r.LastHeartbeatAt)
		metrics.DeadRunners.Inc()
		if err := c.HandleDeadRunner(r.ID); err != nil {
			c.logger.Warn("dead runner cleanup failed", "runner_id", r.ID, "error", err)
		}
	}
}

func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}
