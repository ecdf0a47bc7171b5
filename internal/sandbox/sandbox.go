// Package sandbox spawns and supervises the per-session bridge processes:
// workspace layout, isolation wrapper, env allowlist, resource limits, OOM
// detection, and teardown.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ash-run/ash/internal/config"
	"github.com/ash-run/ash/internal/state"
	"github.com/ash-run/ash/protocol"
)

// destroyGrace is how long Destroy waits after SIGTERM before SIGKILL.
const destroyGrace = 5 * time.Second

type Runtime struct {
	sandboxesDir string
	bridgeEntry  string
	logger       *slog.Logger
	bwrapPath    string // empty when bubblewrap is unavailable
	cgroups      bool
}

func NewRuntime(dataDir, bridgeEntry string, logger *slog.Logger) (*Runtime, error) {
	sandboxesDir := filepath.Join(dataDir, "sandboxes")
	if err := os.MkdirAll(sandboxesDir, 0755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", sandboxesDir, err)
	}

	r := &Runtime{
		sandboxesDir: sandboxesDir,
		bridgeEntry:  bridgeEntry,
		logger:       logger,
	}

	if path, err := exec.LookPath("bwrap"); err == nil {
		r.bwrapPath = path
	} else {
		logger.Warn("bwrap not found, sandboxes run without a jail")
	}
	if err := detectCgroupV2(); err == nil {
		r.cgroups = true
	} else {
		logger.Warn("cgroup v2 unavailable, resource limits best-effort", "error", err)
	}
	return r, nil
}

// SandboxesDir is the parent directory of all sandbox dirs on this host.
func (r *Runtime) SandboxesDir() string {
	return r.sandboxesDir
}

// SandboxDir is <sandboxesDir>/<id>.
func (r *Runtime) SandboxDir(id string) string {
	return filepath.Join(r.sandboxesDir, id)
}

type CreateRequest struct {
	ID        string
	SessionID string
	AgentName string
	AgentDir  string

	// SkipAgentCopy leaves the workspace empty for PrepareWorkspace to fill.
	SkipAgentCopy bool

	// PrepareWorkspace runs after the agent copy and before the bridge
	// spawns, with the workspace path. Cold resume restores a snapshot here.
	PrepareWorkspace func(workspaceDir string) error

	Limits        config.Limits
	ExtraEnv      map[string]string
	StartupScript string

	// OnOOM fires when the child is killed by the OOM killer.
	OnOOM func(sandboxID string)
	// OnDiskExceeded fires when the workspace outgrows its disk limit; the
	// callback is expected to terminate the sandbox.
	OnDiskExceeded func(sandboxID string)
}

// Sandbox is one live bridge process plus its on-disk layout.
type Sandbox struct {
	ID           string
	Dir          string
	WorkspaceDir string
	LogsDir      string
	SocketPath   string

	cmd        *exec.Cmd
	cgroupPath string
	diskMon    *diskMonitor
	logFile    *os.File
	logger     *slog.Logger

	waitDone chan struct{}
	mu       sync.Mutex
	exitErr  error
	oom      bool
}

// Create lays out the sandbox directory, copies the agent into the
// workspace, and spawns the bridge under the isolation wrapper.
func (r *Runtime) Create(ctx context.Context, req CreateRequest) (*Sandbox, error) {
	dir := r.SandboxDir(req.ID)
	workspaceDir := filepath.Join(dir, protocol.WorkspaceDirName)
	logsDir := filepath.Join(dir, protocol.LogsDirName)
	socketPath := filepath.Join(dir, protocol.BridgeSocketName)

	for _, d := range []string{workspaceDir, logsDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", d, err)
		}
	}

	if !req.SkipAgentCopy {
		if err := state.CopyTree(req.AgentDir, workspaceDir, nil); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("copying agent dir: %w", err)
		}
	}
	if req.PrepareWorkspace != nil {
		if err := req.PrepareWorkspace(workspaceDir); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("preparing workspace: %w", err)
		}
	}

	limits := req.Limits
	if limits.MemoryMB <= 0 {
		limits = config.Limits{MemoryMB: 2048, CPUPercent: 100, DiskMB: 1024, MaxProcesses: 64}
	}

	env := BuildEnv(os.Environ(), EnvSpec{
		SandboxID:    req.ID,
		AgentDir:     req.AgentDir,
		WorkspaceDir: workspaceDir,
		SocketPath:   socketPath,
		ExtraEnv:     req.ExtraEnv,
	})

	if req.StartupScript != "" {
		if err := r.runStartupScript(ctx, req.StartupScript, workspaceDir, env, logsDir); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("startup script: %w", err)
		}
	}

	logFile, err := os.OpenFile(filepath.Join(logsDir, "bridge.log"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("opening bridge log: %w", err)
	}

	argv := r.commandLine(dir, workspaceDir)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Dir = workspaceDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setChildAttrs(cmd, r.bwrapPath != "")

	if err := cmd.Start(); err != nil {
		logFile.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("starting bridge: %w", err)
	}

	sb := &Sandbox{
		ID:           req.ID,
		Dir:          dir,
		WorkspaceDir: workspaceDir,
		LogsDir:      logsDir,
		SocketPath:   socketPath,
		cmd:          cmd,
		logFile:      logFile,
		logger:       r.logger,
		waitDone:     make(chan struct{}),
	}

	if r.cgroups {
		cgPath, err := createCgroup(req.ID, limits)
		if err != nil {
			r.logger.Warn("cgroup setup failed", "sandbox_id", req.ID, "error", err)
		} else if err := attachToCgroup(cgPath, cmd.Process.Pid); err != nil {
			r.logger.Warn("cgroup attach failed", "sandbox_id", req.ID, "error", err)
			_ = removeCgroup(req.ID)
		} else {
			sb.cgroupPath = cgPath
		}
	}

	go sb.wait(req.OnOOM)

	if limits.DiskMB > 0 {
		sb.diskMon = newDiskMonitor(workspaceDir, int64(limits.DiskMB)*1024*1024, func() {
			r.logger.Warn("workspace disk limit exceeded", "sandbox_id", req.ID, "limit_mb", limits.DiskMB)
			if req.OnDiskExceeded != nil {
				req.OnDiskExceeded(req.ID)
			}
		}, r.logger)
		go sb.diskMon.run()
	}

	r.logger.Info("sandbox started",
		"sandbox_id", req.ID, "session_id", req.SessionID, "agent", req.AgentName,
		"pid", cmd.Process.Pid, "jailed", r.bwrapPath != "")
	return sb, nil
}

func (r *Runtime) commandLine(sandboxDir, workspaceDir string) []string {
	if r.bwrapPath == "" {
		return []string{r.bridgeEntry}
	}
	args := append([]string{r.bwrapPath}, bwrapArgs(filepath.Dir(r.sandboxesDir), sandboxDir, workspaceDir)...)
	return append(args, r.bridgeEntry)
}

func (r *Runtime) runStartupScript(ctx context.Context, script, workspaceDir string, env []string, logsDir string) error {
	out, err := os.OpenFile(filepath.Join(logsDir, "startup.log"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script)
	cmd.Dir = workspaceDir
	cmd.Env = env
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}

func (sb *Sandbox) wait(onOOM func(string)) {
	err := sb.cmd.Wait()
	oom := isOOMExit(err)

	sb.mu.Lock()
	sb.exitErr = err
	sb.oom = oom
	sb.mu.Unlock()
	close(sb.waitDone)

	if sb.diskMon != nil {
		sb.diskMon.stop()
	}
	sb.logFile.Close()

	switch {
	case oom:
		sb.logger.Warn("sandbox killed by OOM", "sandbox_id", sb.ID)
		if onOOM != nil {
			onOOM(sb.ID)
		}
	case err != nil:
		sb.logger.Warn("sandbox crashed", "sandbox_id", sb.ID, "error", err)
	default:
		sb.logger.Debug("sandbox exited cleanly", "sandbox_id", sb.ID)
	}
}

// isOOMExit treats SIGKILL or exit code 137 as the OOM killer; any other
// non-zero exit is a plain crash.
func isOOMExit(err error) bool {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	if status, ok := ee.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() && status.Signal() == syscall.SIGKILL {
			return true
		}
	}
	return ee.ExitCode() == 137
}

// Alive reports whether the bridge process is still running.
func (sb *Sandbox) Alive() bool {
	select {
	case <-sb.waitDone:
		return false
	default:
		return true
	}
}

// OOMKilled reports whether the process died to the OOM killer. Valid only
// after Alive() turns false.
func (sb *Sandbox) OOMKilled() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.oom
}

func (sb *Sandbox) PID() int {
	return sb.cmd.Process.Pid
}

// Destroy terminates the process: SIGTERM, bounded wait, then SIGKILL. The
// workspace directory is left intact; snapshot and cleanup belong to the
// pool.
func (sb *Sandbox) Destroy(ctx context.Context) error {
	if sb.diskMon != nil {
		sb.diskMon.stop()
	}

	if sb.Alive() {
		_ = signalChild(sb.cmd, syscall.SIGTERM)
		select {
		case <-sb.waitDone:
		case <-time.After(destroyGrace):
			_ = signalChild(sb.cmd, syscall.SIGKILL)
			<-sb.waitDone
		case <-ctx.Done():
			_ = signalChild(sb.cmd, syscall.SIGKILL)
			<-sb.waitDone
		}
	}

	if sb.cgroupPath != "" {
		if err := removeCgroup(sb.ID); err != nil {
			sb.logger.Warn("cgroup cleanup failed", "sandbox_id", sb.ID, "error", err)
		}
	}
	_ = os.Remove(sb.SocketPath)
	return nil
}
