package pool

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ash-run/ash/internal/sandbox"
	"github.com/ash-run/ash/protocol"
)

type fakeInstance struct {
	id        string
	workspace string
	alive     atomic.Bool
	oom       bool
}

func (f *fakeInstance) Alive() bool                     { return f.alive.Load() }
func (f *fakeInstance) OOMKilled() bool                 { return f.oom }
func (f *fakeInstance) Destroy(context.Context) error   { f.alive.Store(false); return nil }
func (f *fakeInstance) Workspace() string               { return f.workspace }
func (f *fakeInstance) Socket() string                  { return filepath.Join(filepath.Dir(f.workspace), "bridge.sock") }

type fakeSpawner struct {
	baseDir string

	mu       sync.Mutex
	spawned  map[string]*fakeInstance
	requests map[string]sandbox.CreateRequest
	failNext error
}

func newFakeSpawner(baseDir string) *fakeSpawner {
	return &fakeSpawner{
		baseDir:  baseDir,
		spawned:  make(map[string]*fakeInstance),
		requests: make(map[string]sandbox.CreateRequest),
	}
}

func (s *fakeSpawner) Spawn(_ context.Context, req sandbox.CreateRequest) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, err
	}
	dir := filepath.Join(s.baseDir, req.ID)
	workspace := filepath.Join(dir, protocol.WorkspaceDirName)
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, err
	}
	if req.PrepareWorkspace != nil {
		if err := req.PrepareWorkspace(workspace); err != nil {
			return nil, err
		}
	}
	inst := &fakeInstance{id: req.ID, workspace: workspace}
	inst.alive.Store(true)
	s.spawned[req.ID] = inst
	s.requests[req.ID] = req
	return inst, nil
}

func (s *fakeSpawner) SandboxDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *fakeSpawner) instance(id string) *fakeInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned[id]
}

func (s *fakeSpawner) request(id string) sandbox.CreateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id]
}

type fakeConn struct {
	closed    atomic.Bool
	shutdowns atomic.Int32
}

func (c *fakeConn) WaitReady(context.Context) error { return nil }

func (c *fakeConn) SendCommand(context.Context, protocol.Command) (<-chan protocol.Event, error) {
	ch := make(chan protocol.Event)
	close(ch)
	return ch, nil
}

func (c *fakeConn) Interrupt() error { return nil }
func (c *fakeConn) Shutdown() error  { c.shutdowns.Add(1); return nil }
func (c *fakeConn) Close() error     { c.closed.Store(true); return nil }
func (c *fakeConn) Closed() bool     { return c.closed.Load() }

func fakeDialer() Dialer {
	return func(context.Context, string) (Conn, error) {
		return &fakeConn{}, nil
	}
}
