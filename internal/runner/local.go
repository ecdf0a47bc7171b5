package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/ash-run/ash/internal/config"
	"github.com/ash-run/ash/internal/pool"
	"github.com/ash-run/ash/internal/state"
	"github.com/ash-run/ash/internal/store"
	"github.com/ash-run/ash/protocol"
)

// LocalBackend serves sandboxes owned by this process through the pool.
type LocalBackend struct {
	pool    *pool.Pool
	dataDir string
	cloud   state.CloudStore // nil when no snapshot backend configured
	limits  config.Limits
	logger  *slog.Logger
}

func NewLocalBackend(p *pool.Pool, dataDir string, cloud state.CloudStore, limits config.Limits, logger *slog.Logger) *LocalBackend {
	return &LocalBackend{pool: p, dataDir: dataDir, cloud: cloud, limits: limits, logger: logger}
}

func (b *LocalBackend) RunnerID() string { return "" }

func (b *LocalBackend) CreateSandbox(ctx context.Context, req CreateSandboxRequest) (*CreateSandboxResponse, error) {
	id := req.SandboxID
	if id == "" {
		id = "sb-" + uuid.New().String()[:12]
	}

	source := RestoredFresh
	skipAgentCopy := false
	var prepare func(string) error

	if req.RestoreSessionID != "" {
		source = b.resolveSnapshot(ctx, req.RestoreSessionID)
		if source != RestoredFresh {
			skipAgentCopy = true
			sessionID := req.RestoreSessionID
			prepare = func(workspaceDir string) error {
				ok, err := state.RestoreSessionState(b.dataDir, sessionID, workspaceDir)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("snapshot for session %s vanished", sessionID)
				}
				return nil
			}
		}
	}

	entry, err := b.pool.Create(ctx, pool.CreateParams{
		ID:               id,
		SessionID:        req.SessionID,
		TenantID:         req.TenantID,
		AgentName:        req.AgentName,
		AgentDir:         req.AgentDir,
		SkipAgentCopy:    skipAgentCopy,
		PrepareWorkspace: prepare,
		Limits:           b.limits,
		ExtraEnv:         req.ExtraEnv,
		StartupScript:    req.StartupScript,
		NoAdopt:          req.RestoreSessionID != "",
	})
	if err != nil {
		return nil, err
	}

	resp := &CreateSandboxResponse{
		SandboxHandle: SandboxHandle{
			SandboxID:    entry.SandboxID,
			WorkspaceDir: entry.Instance.Workspace(),
		},
	}
	if req.RestoreSessionID != "" {
		resp.RestoredFrom = source
	}
	return resp, nil
}

// resolveSnapshot decides where the workspace seed comes from, pulling the
// cloud bundle down to the local snapshot dir when needed.
func (b *LocalBackend) resolveSnapshot(ctx context.Context, sessionID string) string {
	if _, err := os.Stat(state.SessionSnapshotDir(b.dataDir, sessionID)); err == nil {
		return RestoredLocal
	}
	if b.cloud == nil {
		return RestoredFresh
	}
	ok, err := state.RestoreFromCloud(ctx, b.cloud, b.dataDir, sessionID)
	if err != nil {
		b.logger.Warn("cloud snapshot restore failed", "session_id", sessionID, "error", err)
		return RestoredFresh
	}
	if !ok {
		return RestoredFresh
	}
	return RestoredCloud
}

func (b *LocalBackend) DestroySandbox(ctx context.Context, id string) error {
	b.pool.Remove(ctx, id)
	return nil
}

func (b *LocalBackend) SendCommand(ctx context.Context, id string, cmd protocol.Command) (<-chan protocol.Event, error) {
	e, ok := b.pool.Get(id)
	if !ok {
		return nil, fmt.Errorf("sandbox %s: %w", id, store.ErrNotFound)
	}
	return e.Conn.SendCommand(ctx, cmd)
}

func (b *LocalBackend) Interrupt(_ context.Context, id string) error {
	e, ok := b.pool.Get(id)
	if !ok {
		return fmt.Errorf("sandbox %s: %w", id, store.ErrNotFound)
	}
	return e.Conn.Interrupt()
}

func (b *LocalBackend) GetSandbox(_ context.Context, id string) (*SandboxHandle, error) {
	e, ok := b.pool.Get(id)
	if !ok {
		return nil, nil
	}
	return &SandboxHandle{SandboxID: e.SandboxID, WorkspaceDir: e.Instance.Workspace()}, nil
}

func (b *LocalBackend) IsSandboxAlive(_ context.Context, id string) bool {
	_, ok := b.pool.Get(id)
	return ok
}

func (b *LocalBackend) MarkRunning(_ context.Context, id string) { b.pool.MarkRunning(id) }
func (b *LocalBackend) MarkWaiting(_ context.Context, id string) { b.pool.MarkWaiting(id) }

// PersistState snapshots the sandbox workspace for the session; best-effort
// cloud sync follows. Returns whether a snapshot was taken.
func (b *LocalBackend) PersistState(ctx context.Context, id, sessionID, agentName string) (bool, error) {
	e, ok := b.pool.Get(id)
	if !ok {
		return false, nil
	}
	if err := state.PersistSessionState(b.dataDir, sessionID, e.Instance.Workspace(), agentName); err != nil {
		return false, err
	}
	if b.cloud != nil {
		if err := state.SyncToCloud(ctx, b.cloud, b.dataDir, sessionID); err != nil {
			b.logger.Warn("cloud snapshot sync failed", "session_id", sessionID, "error", err)
		}
	}
	return true, nil
}

func (b *LocalBackend) Stats(context.Context) (*pool.Stats, error) {
	s := b.pool.Stats()
	return &s, nil
}

func (b *LocalBackend) RecordWarmHit()      { b.pool.RecordWarmHit() }
func (b *LocalBackend) RecordColdLocalHit() { b.pool.RecordColdLocalHit() }
func (b *LocalBackend) RecordColdCloudHit() { b.pool.RecordColdCloudHit() }
func (b *LocalBackend) RecordColdFreshHit() { b.pool.RecordColdFreshHit() }

var _ Backend = (*LocalBackend)(nil)
