package pool

import (
	"context"
	"log/slog"

	"github.com/ash-run/ash/internal/bridge"
	"github.com/ash-run/ash/internal/sandbox"
	"github.com/ash-run/ash/protocol"
)

// Instance is the live process side of a sandbox as the pool sees it.
// *sandbox.Sandbox satisfies it through runtimeSpawner.
type Instance interface {
	Alive() bool
	OOMKilled() bool
	Destroy(ctx context.Context) error
	Workspace() string
	Socket() string
}

// Spawner creates and locates sandbox processes on this host.
type Spawner interface {
	Spawn(ctx context.Context, req sandbox.CreateRequest) (Instance, error)
	SandboxDir(id string) string
}

// Conn is the pool's view of a bridge connection. *bridge.Client satisfies
// it.
type Conn interface {
	WaitReady(ctx context.Context) error
	SendCommand(ctx context.Context, cmd protocol.Command) (<-chan protocol.Event, error)
	Interrupt() error
	Shutdown() error
	Close() error
	Closed() bool
}

// Dialer connects to a sandbox's bridge socket.
type Dialer func(ctx context.Context, socketPath string) (Conn, error)

// NewRuntimeSpawner adapts the process runtime to the Spawner interface.
func NewRuntimeSpawner(rt *sandbox.Runtime) Spawner {
	return runtimeSpawner{rt: rt}
}

type runtimeSpawner struct {
	rt *sandbox.Runtime
}

func (s runtimeSpawner) Spawn(ctx context.Context, req sandbox.CreateRequest) (Instance, error) {
	sb, err := s.rt.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	return liveInstance{sb}, nil
}

func (s runtimeSpawner) SandboxDir(id string) string {
	return s.rt.SandboxDir(id)
}

type liveInstance struct {
	sb *sandbox.Sandbox
}

func (i liveInstance) Alive() bool                       { return i.sb.Alive() }
func (i liveInstance) OOMKilled() bool                   { return i.sb.OOMKilled() }
func (i liveInstance) Destroy(ctx context.Context) error { return i.sb.Destroy(ctx) }
func (i liveInstance) Workspace() string                 { return i.sb.WorkspaceDir }
func (i liveInstance) Socket() string                    { return i.sb.SocketPath }

// BridgeDialer is the production Dialer.
func BridgeDialer(logger *slog.Logger) Dialer {
	return func(ctx context.Context, socketPath string) (Conn, error) {
		return bridge.Dial(ctx, socketPath, logger)
	}
}
