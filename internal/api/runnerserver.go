package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ash-run/ash/internal/router"
	"github.com/ash-run/ash/internal/runner"
	"github.com/ash-run/ash/internal/store"
	"github.com/ash-run/ash/protocol"
)

// RunnerServer is the per-runner surface the coordinator's RemoteBackend
// talks to. It fronts the local backend only; scheduling stays upstream.
type RunnerServer struct {
	backend    runner.Backend
	secret     string
	sseTimeout time.Duration
	logger     *slog.Logger
}

func NewRunnerServer(backend runner.Backend, secret string, sseTimeout time.Duration, logger *slog.Logger) *RunnerServer {
	return &RunnerServer{backend: backend, secret: secret, sseTimeout: sseTimeout, logger: logger}
}

func (s *RunnerServer) Handler() http.Handler {
	mux := http.NewServeMux()

	guard := func(h http.HandlerFunc) http.Handler {
		return requireInternalSecret(s.secret, h)
	}
	mux.Handle("GET /runner/health", guard(s.handleHealth))
	mux.Handle("POST /runner/sandboxes", guard(s.handleCreate))
	mux.Handle("GET /runner/sandboxes/{id}", guard(s.handleGet))
	mux.Handle("DELETE /runner/sandboxes/{id}", guard(s.handleDestroy))
	mux.Handle("POST /runner/sandboxes/{id}/cmd", guard(s.handleCommand))
	mux.Handle("POST /runner/sandboxes/{id}/interrupt", guard(s.handleInterrupt))
	mux.Handle("POST /runner/sandboxes/{id}/mark", guard(s.handleMark))
	mux.Handle("POST /runner/sandboxes/{id}/persist", guard(s.handlePersist))

	return withRequestID(s.logger, mux)
}

func (s *RunnerServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *RunnerServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req runner.CreateSandboxRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentName == "" {
		writeBadRequest(w, "agent_name is required")
		return
	}
	resp, err := s.backend.CreateSandbox(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *RunnerServer) handleGet(w http.ResponseWriter, r *http.Request) {
	handle, err := s.backend.GetSandbox(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if handle == nil {
		writeError(w, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, handle)
}

func (s *RunnerServer) handleDestroy(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.DestroySandbox(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// handleCommand proxies one bridge command as SSE. Each frame's data is the
// full protocol event, so the coordinator re-emits it losslessly.
func (s *RunnerServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeBadRequest(w, "malformed command")
		return
	}

	id := r.PathValue("id")
	events, err := s.backend.SendCommand(r.Context(), id, cmd)
	if err != nil {
		writeError(w, err)
		return
	}

	out := router.NewSSEWriter(w, s.sseTimeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encoding event failed", "sandbox_id", id, "error", err)
				continue
			}
			if err := out.WriteEvent(string(ev.Type), data); err != nil {
				s.logger.Warn("sse write to coordinator failed", "sandbox_id", id, "error", err)
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *RunnerServer) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Interrupt(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "interrupting"})
}

func (s *RunnerServer) handleMark(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed body")
		return
	}
	id := r.PathValue("id")
	switch req.State {
	case store.SandboxRunning:
		s.backend.MarkRunning(r.Context(), id)
	case store.SandboxWaiting:
		s.backend.MarkWaiting(r.Context(), id)
	default:
		writeBadRequest(w, "state must be running or waiting")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *RunnerServer) handlePersist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		AgentName string `json:"agent_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeBadRequest(w, "session_id is required")
		return
	}
	persisted, err := s.backend.PersistState(r.Context(), r.PathValue("id"), req.SessionID, req.AgentName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"persisted": persisted})
}
