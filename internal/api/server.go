// Package api exposes the two HTTP surfaces: the public client API with
// its SSE message streams, and the runner-internal API the coordinator and
// fleet use among themselves.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ash-run/ash/internal/config"
	"github.com/ash-run/ash/internal/router"
	"github.com/ash-run/ash/internal/runner"
	"github.com/ash-run/ash/internal/store"
)

// SandboxWarmer pre-creates sandboxes for an agent so the first sessions
// skip the cold spawn. Satisfied by *pool.Pool.
type SandboxWarmer interface {
	WarmUp(ctx context.Context, agentName, agentDir string, n int, limits config.Limits) (int, error)
}

// Server is the public control-plane surface. In coordinator mode it also
// carries the /api/internal/runners/* fleet routes.
type Server struct {
	db             *store.Store
	router         *router.Router
	coord          *runner.Coordinator
	warmer         SandboxWarmer
	limits         config.Limits
	apiKey         string
	internalSecret string
	logger         *slog.Logger
}

func NewServer(db *store.Store, rt *router.Router, coord *runner.Coordinator, warmer SandboxWarmer, limits config.Limits, apiKey, internalSecret string, logger *slog.Logger) *Server {
	return &Server{
		db:             db,
		router:         rt,
		coord:          coord,
		warmer:         warmer,
		limits:         limits,
		apiKey:         apiKey,
		internalSecret: internalSecret,
		logger:         logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	authed := func(h http.HandlerFunc) http.Handler {
		return requireAPIKey(s.apiKey, h)
	}
	mux.Handle("POST /api/agents", authed(s.handleDeployAgent))
	mux.Handle("GET /api/agents", authed(s.handleListAgents))
	mux.Handle("GET /api/agents/{name}", authed(s.handleGetAgent))
	mux.Handle("DELETE /api/agents/{name}", authed(s.handleDeleteAgent))
	mux.Handle("POST /api/agents/{name}/warm", authed(s.handleWarmAgent))

	mux.Handle("POST /api/sessions", authed(s.handleCreateSession))
	mux.Handle("GET /api/sessions", authed(s.handleListSessions))
	mux.Handle("GET /api/sessions/{id}", authed(s.handleGetSession))
	mux.Handle("DELETE /api/sessions/{id}", authed(s.handleEndSession))
	mux.Handle("POST /api/sessions/{id}/messages", authed(s.handleSendMessage))
	mux.Handle("POST /api/sessions/{id}/pause", authed(s.handlePauseSession))
	mux.Handle("POST /api/sessions/{id}/resume", authed(s.handleResumeSession))
	mux.Handle("POST /api/sessions/{id}/interrupt", authed(s.handleInterruptSession))
	mux.Handle("POST /api/sessions/{id}/fork", authed(s.handleForkSession))
	mux.Handle("GET /api/sessions/{id}/events", authed(s.handleSessionEvents))

	internal := func(h http.HandlerFunc) http.Handler {
		return requireInternalSecret(s.internalSecret, h)
	}
	mux.Handle("POST /api/internal/runners/register", internal(s.handleRegisterRunner))
	mux.Handle("POST /api/internal/runners/heartbeat", internal(s.handleRunnerHeartbeat))
	mux.Handle("POST /api/internal/runners/deregister", internal(s.handleDeregisterRunner))
	mux.Handle("GET /api/internal/runners", internal(s.handleListRunners))

	return withRequestID(s.logger, mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Agents

type deployAgentRequest struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

func (s *Server) handleDeployAgent(w http.ResponseWriter, r *http.Request) {
	var req deployAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Path == "" {
		writeBadRequest(w, "name and path are required")
		return
	}
	if _, err := os.Stat(filepath.Join(req.Path, "CLAUDE.md")); err != nil {
		writeBadRequest(w, "agent path must contain a CLAUDE.md")
		return
	}

	agent, err := s.db.UpsertAgent(tenantFrom(r.Context()), req.Name, req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.db.ListAgents(tenantFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.db.GetAgent(tenantFrom(r.Context()), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	if agent == nil {
		writeError(w, store.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteAgent(tenantFrom(r.Context()), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type warmAgentRequest struct {
	Count int `json:"count"`
}

// handleWarmAgent pre-spawns sandboxes for an agent. Runs on the node that
// owns the pool; a pure coordinator has no warmer and says so.
func (s *Server) handleWarmAgent(w http.ResponseWriter, r *http.Request) {
	var req warmAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Count < 1 {
		writeBadRequest(w, "count must be at least 1")
		return
	}
	if s.warmer == nil {
		writeBadRequest(w, "pre-warming is not available on this node")
		return
	}
	agent, err := s.db.GetAgent(tenantFrom(r.Context()), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	if agent == nil {
		writeError(w, store.ErrNotFound)
		return
	}

	created, err := s.warmer.WarmUp(r.Context(), agent.Name, agent.Path, req.Count, s.limits)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"created": created})
}

// Sessions

type createSessionRequest struct {
	Agent string `json:"agent"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Agent == "" {
		writeBadRequest(w, "agent is required")
		return
	}
	sess, err := s.router.Create(r.Context(), tenantFrom(r.Context()), req.Agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.router.List(tenantFrom(r.Context()), r.URL.Query().Get("agent"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.router.Get(tenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

type sendMessageRequest struct {
	Content                string `json:"content"`
	IncludePartialMessages bool   `json:"includePartialMessages"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeBadRequest(w, "content is required")
		return
	}

	out := router.NewSSEWriter(w, s.router.SSETimeout())
	err := s.router.SendMessage(r.Context(), tenantFrom(r.Context()), r.PathValue("id"),
		req.Content, req.IncludePartialMessages, out)
	if err == nil {
		return
	}
	// Nothing streamed yet: the error can still go out as a status. After
	// the first frame the stream is the only channel left.
	if errors.Is(err, router.ErrClientWriteTimeout) {
		return
	}
	if w.Header().Get("Content-Type") == "text/event-stream" {
		return
	}
	writeError(w, err)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.router.Pause(r.Context(), tenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.router.Resume(r.Context(), tenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.router.End(r.Context(), tenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (s *Server) handleInterruptSession(w http.ResponseWriter, r *http.Request) {
	if err := s.router.Interrupt(r.Context(), tenantFrom(r.Context()), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "interrupting"})
}

func (s *Server) handleForkSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.router.Fork(r.Context(), tenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.router.Events(tenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// Fleet

func (s *Server) handleRegisterRunner(w http.ResponseWriter, r *http.Request) {
	var req runner.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeBadRequest(w, "id is required")
		return
	}
	if err := s.coord.Register(req.ID, req.Host, req.Port, req.MaxSandboxes); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (s *Server) handleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req runner.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeBadRequest(w, "id is required")
		return
	}
	active := req.Stats.ByState["running"] + req.Stats.ByState["waiting"]
	warming := req.Stats.ByState["warming"] + req.Stats.ByState["warm"]
	if err := s.coord.Heartbeat(req.ID, active, warming); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeregisterRunner(w http.ResponseWriter, r *http.Request) {
	var req runner.DeregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeBadRequest(w, "id is required")
		return
	}
	if err := s.coord.Deregister(req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.coord.ListRunners()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": runners})
}
