// Package runner holds the backend abstraction over "sandboxes live here"
// versus "sandboxes live on another machine", the coordinator that
// schedules across the fleet, and the runner-side registration loop.
package runner

import (
	"context"
	"errors"

	"github.com/ash-run/ash/internal/pool"
	"github.com/ash-run/ash/protocol"
)

var ErrNoRunnersAvailable = errors.New("no runners available")

// LocalRunnerID marks a session bound to the in-process backend.
const LocalRunnerID = "__local__"

// CreateSandboxRequest is serializable so the remote backend can forward it
// verbatim.
type CreateSandboxRequest struct {
	SandboxID string `json:"sandbox_id"`
	SessionID string `json:"session_id"`
	TenantID  string `json:"tenant_id,omitempty"`
	AgentName string `json:"agent_name"`
	AgentDir  string `json:"agent_dir"`

	// RestoreSessionID seeds the workspace from that session's snapshot
	// (local first, then cloud). Empty means a fresh agent copy.
	RestoreSessionID string `json:"restore_session_id,omitempty"`

	ExtraEnv      map[string]string `json:"extra_env,omitempty"`
	StartupScript string            `json:"startup_script,omitempty"`
}

type SandboxHandle struct {
	SandboxID    string `json:"sandbox_id"`
	WorkspaceDir string `json:"workspace_dir"`
}

// RestoredFrom values for CreateSandboxResponse.
const (
	RestoredLocal = "local"
	RestoredCloud = "cloud"
	RestoredFresh = "fresh"
)

type CreateSandboxResponse struct {
	SandboxHandle
	// RestoredFrom says where the workspace came from when
	// RestoreSessionID was set: local, cloud, or fresh.
	RestoredFrom string `json:"restored_from,omitempty"`
}

// Backend is the surface the router consumes. LocalBackend serves sandboxes
// in this process; RemoteBackend proxies to another runner over HTTP.
type Backend interface {
	RunnerID() string // empty for local

	CreateSandbox(ctx context.Context, req CreateSandboxRequest) (*CreateSandboxResponse, error)
	DestroySandbox(ctx context.Context, id string) error
	SendCommand(ctx context.Context, id string, cmd protocol.Command) (<-chan protocol.Event, error)
	Interrupt(ctx context.Context, id string) error
	GetSandbox(ctx context.Context, id string) (*SandboxHandle, error)
	IsSandboxAlive(ctx context.Context, id string) bool
	MarkRunning(ctx context.Context, id string)
	MarkWaiting(ctx context.Context, id string)
	PersistState(ctx context.Context, id, sessionID, agentName string) (bool, error)
	Stats(ctx context.Context) (*pool.Stats, error)

	RecordWarmHit()
	RecordColdLocalHit()
	RecordColdCloudHit()
	RecordColdFreshHit()
}
