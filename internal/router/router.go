// Package router owns the session lifecycle: create, message, pause,
// resume, end, fork. It maps each session to a backend through the
// coordinator and frames bridge events into SSE.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ash-run/ash/internal/metrics"
	"github.com/ash-run/ash/internal/runner"
	"github.com/ash-run/ash/internal/store"
	"github.com/ash-run/ash/protocol"
)

var (
	ErrInvalidState = errors.New("invalid session state")
	ErrSessionEnded = errors.New("session ended")
)

type Router struct {
	db         *store.Store
	coord      *runner.Coordinator
	sseTimeout time.Duration
	logger     *slog.Logger
}

func New(db *store.Store, coord *runner.Coordinator, sseTimeout time.Duration, logger *slog.Logger) *Router {
	return &Router{db: db, coord: coord, sseTimeout: sseTimeout, logger: logger}
}

// SSETimeout is the write deadline handlers should hand to NewSSEWriter.
func (r *Router) SSETimeout() time.Duration {
	return r.sseTimeout
}

// loadOwned fetches a session scoped to the tenant. Sessions of other
// tenants are indistinguishable from missing ones.
func (r *Router) loadOwned(tenantID, sessionID string) (*store.Session, error) {
	sess, err := r.db.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.TenantID != tenantID {
		return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	return sess, nil
}

// Create validates the agent, allocates a sandbox on the selected backend,
// and returns the new active session.
func (r *Router) Create(ctx context.Context, tenantID, agentName string) (*store.Session, error) {
	agent, err := r.db.GetAgent(tenantID, agentName)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("agent %s: %w", agentName, store.ErrNotFound)
	}

	sessionID := "sess-" + uuid.New().String()[:12]
	backend, err := r.coord.SelectBackend()
	if err != nil {
		return nil, err
	}

	resp, err := backend.CreateSandbox(ctx, runner.CreateSandboxRequest{
		SessionID: sessionID,
		TenantID:  tenantID,
		AgentName: agentName,
		AgentDir:  agent.Path,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:           sessionID,
		TenantID:     tenantID,
		AgentName:    agentName,
		SandboxID:    resp.SandboxID,
		Status:       store.SessionStarting,
		RunnerID:     backend.RunnerID(),
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := r.db.CreateSession(sess); err != nil {
		if derr := backend.DestroySandbox(ctx, resp.SandboxID); derr != nil {
			r.logger.Warn("rolling back sandbox failed", "sandbox_id", resp.SandboxID, "error", derr)
		}
		return nil, err
	}
	if err := r.db.UpdateSessionStatus(sessionID, store.SessionActive); err != nil {
		return nil, err
	}
	sess.Status = store.SessionActive

	r.logger.Info("session created",
		"session_id", sessionID, "agent", agentName, "sandbox_id", resp.SandboxID,
		"runner_id", backend.RunnerID())
	return sess, nil
}

// SendMessage drives one query turn: mark running, stream bridge events to
// the client as SSE, persist on done, and always end in waiting.
func (r *Router) SendMessage(ctx context.Context, tenantID, sessionID, content string, includePartial bool, out *SSEWriter) error {
	sess, err := r.loadOwned(tenantID, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != store.SessionActive {
		return fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrInvalidState)
	}

	backend, err := r.coord.BackendForRunner(sess.RunnerID)
	if err != nil {
		r.markError(sessionID)
		return err
	}
	handle, err := backend.GetSandbox(ctx, sess.SandboxID)
	if err != nil {
		r.markError(sessionID)
		return err
	}
	if handle == nil {
		r.markError(sessionID)
		return fmt.Errorf("sandbox %s for session %s is gone", sess.SandboxID, sessionID)
	}

	// Running must be visible before the first suspension point so the idle
	// sweep cannot reclaim the sandbox mid-turn.
	backend.MarkRunning(ctx, sess.SandboxID)
	defer backend.MarkWaiting(context.WithoutCancel(ctx), sess.SandboxID)

	if err := r.db.TouchSession(sessionID); err != nil {
		r.logger.Warn("touching session failed", "session_id", sessionID, "error", err)
	}
	metrics.SessionMessages.Inc()

	events, err := backend.SendCommand(ctx, sess.SandboxID, protocol.Command{
		Type:                   protocol.CommandQuery,
		SessionID:              sessionID,
		Prompt:                 content,
		IncludePartialMessages: includePartial,
	})
	if err != nil {
		r.markError(sessionID)
		return err
	}

	return r.streamEvents(ctx, backend, sess, events, out)
}

func (r *Router) streamEvents(ctx context.Context, backend runner.Backend, sess *store.Session, events <-chan protocol.Event, out *SSEWriter) error {
	for {
		var ev protocol.Event
		var ok bool
		select {
		case ev, ok = <-events:
		case <-ctx.Done():
			return ctx.Err()
		}
		if !ok {
			return nil
		}

		switch ev.Type {
		case protocol.EventMessage:
			r.appendEvent(sess.ID, "message", ev.Payload)
			if err := out.WriteEvent("message", ev.Payload); err != nil {
				return r.writeFailed(sess.ID, err)
			}

		case protocol.EventDecodeError:
			body, _ := json.Marshal(map[string]string{"error": "decode_error: " + ev.Error})
			if err := out.WriteEvent("error", body); err != nil {
				return r.writeFailed(sess.ID, err)
			}

		case protocol.EventError:
			metrics.SessionMessageErrors.WithLabelValues(errorKind(ev.Error)).Inc()
			body, _ := json.Marshal(map[string]string{"error": ev.Error})
			r.appendEvent(sess.ID, "error", body)
			if werr := out.WriteEvent("error", body); werr != nil {
				return r.writeFailed(sess.ID, werr)
			}
			if ev.Error == "peer_closed" {
				r.markError(sess.ID)
			}
			return nil

		case protocol.EventDone:
			if _, err := backend.PersistState(ctx, sess.SandboxID, sess.ID, sess.AgentName); err != nil {
				r.logger.Warn("persisting session state failed", "session_id", sess.ID, "error", err)
			}
			body, _ := json.Marshal(map[string]string{"sessionId": sess.ID})
			r.appendEvent(sess.ID, "done", body)
			if err := out.WriteEvent("done", body); err != nil {
				return r.writeFailed(sess.ID, err)
			}
			return nil
		}
	}
}

func errorKind(msg string) string {
	if msg == "peer_closed" {
		return "peer_closed"
	}
	return "bridge_error"
}

// writeFailed handles a dead client. A drain timeout is not a session
// error: the sandbox just goes back to waiting.
func (r *Router) writeFailed(sessionID string, err error) error {
	if errors.Is(err, ErrClientWriteTimeout) {
		metrics.SessionMessageErrors.WithLabelValues("client_write_timeout").Inc()
		r.logger.Warn("client stopped draining, closing stream", "session_id", sessionID)
		return err
	}
	return err
}

// appendEvent records the turn's events for replay; losing one is not
// fatal to the stream.
func (r *Router) appendEvent(sessionID, kind string, payload []byte) {
	if err := r.db.AppendSessionEvent(sessionID, kind, payload); err != nil {
		r.logger.Warn("recording session event failed", "session_id", sessionID, "error", err)
	}
}

func (r *Router) markError(sessionID string) {
	if err := r.db.UpdateSessionStatus(sessionID, store.SessionError); err != nil {
		r.logger.Warn("marking session error failed", "session_id", sessionID, "error", err)
	}
}

// Pause snapshots the workspace best-effort and parks the session. The
// runner binding stays until the next activation rebinds it.
func (r *Router) Pause(ctx context.Context, tenantID, sessionID string) (*store.Session, error) {
	sess, err := r.loadOwned(tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != store.SessionActive {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrInvalidState)
	}

	if backend, err := r.coord.BackendForRunner(sess.RunnerID); err == nil {
		if _, perr := backend.PersistState(ctx, sess.SandboxID, sessionID, sess.AgentName); perr != nil {
			r.logger.Warn("persist on pause failed", "session_id", sessionID, "error", perr)
		}
	}

	if err := r.db.UpdateSessionStatus(sessionID, store.SessionPaused); err != nil {
		return nil, err
	}
	sess.Status = store.SessionPaused
	r.logger.Info("session paused", "session_id", sessionID)
	return sess, nil
}

// Resume reactivates a session: warm when the old sandbox still lives,
// otherwise a cold rebuild seeded from the snapshot (local, then cloud,
// then a fresh agent copy).
func (r *Router) Resume(ctx context.Context, tenantID, sessionID string) (*store.Session, error) {
	sess, err := r.loadOwned(tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case store.SessionEnded:
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionEnded)
	case store.SessionActive:
		return sess, nil
	case store.SessionPaused, store.SessionError:
	default:
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrInvalidState)
	}

	if sess.SandboxID != "" {
		if backend, err := r.coord.BackendForRunner(sess.RunnerID); err == nil && backend.IsSandboxAlive(ctx, sess.SandboxID) {
			backend.RecordWarmHit()
			if err := r.db.UpdateSessionStatus(sessionID, store.SessionActive); err != nil {
				return nil, err
			}
			sess.Status = store.SessionActive
			r.logger.Info("session resumed warm", "session_id", sessionID, "sandbox_id", sess.SandboxID)
			return sess, nil
		}
	}

	return r.resumeCold(ctx, sess)
}

func (r *Router) resumeCold(ctx context.Context, sess *store.Session) (*store.Session, error) {
	agentDir := ""
	if agent, err := r.db.GetAgent(sess.TenantID, sess.AgentName); err == nil && agent != nil {
		agentDir = agent.Path
	}

	backend, err := r.coord.SelectBackend()
	if err != nil {
		return nil, err
	}

	resp, err := backend.CreateSandbox(ctx, runner.CreateSandboxRequest{
		SessionID:        sess.ID,
		TenantID:         sess.TenantID,
		AgentName:        sess.AgentName,
		AgentDir:         agentDir,
		RestoreSessionID: sess.ID,
	})
	if err != nil {
		return nil, err
	}

	switch resp.RestoredFrom {
	case runner.RestoredLocal:
		backend.RecordColdLocalHit()
	case runner.RestoredCloud:
		backend.RecordColdCloudHit()
	default:
		backend.RecordColdFreshHit()
	}

	if err := r.db.UpdateSessionBinding(sess.ID, resp.SandboxID, backend.RunnerID()); err != nil {
		return nil, err
	}
	if err := r.db.UpdateSessionStatus(sess.ID, store.SessionActive); err != nil {
		return nil, err
	}
	sess.SandboxID = resp.SandboxID
	sess.RunnerID = backend.RunnerID()
	sess.Status = store.SessionActive
	r.logger.Info("session resumed cold",
		"session_id", sess.ID, "sandbox_id", resp.SandboxID, "restored_from", resp.RestoredFrom)
	return sess, nil
}

// End persists, destroys the sandbox, and moves the session to its
// absorbing state. Runner-gone failures are ignored; ending twice is fine.
func (r *Router) End(ctx context.Context, tenantID, sessionID string) (*store.Session, error) {
	sess, err := r.loadOwned(tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.SessionEnded {
		return sess, nil
	}

	if sess.SandboxID != "" {
		if backend, err := r.coord.BackendForRunner(sess.RunnerID); err == nil {
			if _, perr := backend.PersistState(ctx, sess.SandboxID, sessionID, sess.AgentName); perr != nil {
				r.logger.Warn("persist on end failed", "session_id", sessionID, "error", perr)
			}
			if derr := backend.DestroySandbox(ctx, sess.SandboxID); derr != nil {
				r.logger.Warn("destroy on end failed", "sandbox_id", sess.SandboxID, "error", derr)
			}
		}
	}

	if err := r.db.UpdateSessionStatus(sessionID, store.SessionEnded); err != nil {
		return nil, err
	}
	sess.Status = store.SessionEnded
	r.logger.Info("session ended", "session_id", sessionID)
	return sess, nil
}

// Fork creates a sibling session inheriting the parent's agent and config.
// It starts paused with no sandbox; the first resume activates it.
func (r *Router) Fork(ctx context.Context, tenantID, parentID string) (*store.Session, error) {
	parent, err := r.loadOwned(tenantID, parentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	child := &store.Session{
		ID:              "sess-" + uuid.New().String()[:12],
		TenantID:        tenantID,
		AgentName:       parent.AgentName,
		Status:          store.SessionPaused,
		ParentSessionID: parent.ID,
		Config:          parent.Config,
		CreatedAt:       now,
		LastActiveAt:    now,
	}
	if err := r.db.CreateSession(child); err != nil {
		return nil, err
	}
	r.logger.Info("session forked", "parent_id", parentID, "session_id", child.ID)
	return child, nil
}

// Interrupt forwards an interrupt to the session's live sandbox.
func (r *Router) Interrupt(ctx context.Context, tenantID, sessionID string) error {
	sess, err := r.loadOwned(tenantID, sessionID)
	if err != nil {
		return err
	}
	backend, err := r.coord.BackendForRunner(sess.RunnerID)
	if err != nil {
		return err
	}
	return backend.Interrupt(ctx, sess.SandboxID)
}

// Get, List, Events are plain reads scoped to the tenant.
func (r *Router) Get(tenantID, sessionID string) (*store.Session, error) {
	return r.loadOwned(tenantID, sessionID)
}

func (r *Router) List(tenantID, agentFilter string) ([]*store.Session, error) {
	return r.db.ListSessions(tenantID, agentFilter)
}

func (r *Router) Events(tenantID, sessionID string) ([]*store.SessionEvent, error) {
	if _, err := r.loadOwned(tenantID, sessionID); err != nil {
		return nil, err
	}
	return r.db.ListSessionEvents(sessionID)
}
