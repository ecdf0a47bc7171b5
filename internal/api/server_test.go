package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ash-run/ash/internal/config"
	"github.com/ash-run/ash/internal/pool"
	"github.com/ash-run/ash/internal/router"
	"github.com/ash-run/ash/internal/runner"
	"github.com/ash-run/ash/internal/store"
	"github.com/ash-run/ash/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedBackend answers the Backend surface from canned data.
type scriptedBackend struct {
	mu        sync.Mutex
	nextID    int
	alive     map[string]bool
	script    []protocol.Event
	createErr error
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{alive: map[string]bool{}}
}

func (f *scriptedBackend) RunnerID() string { return "" }

func (f *scriptedBackend) CreateSandbox(_ context.Context, req runner.CreateSandboxRequest) (*runner.CreateSandboxResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("sb-%d", f.nextID)
	f.alive[id] = true
	resp := &runner.CreateSandboxResponse{
		SandboxHandle: runner.SandboxHandle{SandboxID: id, WorkspaceDir: "/data/sandboxes/" + id + "/workspace"},
	}
	if req.RestoreSessionID != "" {
		resp.RestoredFrom = runner.RestoredFresh
	}
	return resp, nil
}

func (f *scriptedBackend) DestroySandbox(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, id)
	return nil
}

func (f *scriptedBackend) SendCommand(ctx context.Context, _ string, _ protocol.Command) (<-chan protocol.Event, error) {
	f.mu.Lock()
	script := make([]protocol.Event, len(f.script))
	copy(script, f.script)
	f.mu.Unlock()

	ch := make(chan protocol.Event, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *scriptedBackend) Interrupt(context.Context, string) error { return nil }

func (f *scriptedBackend) GetSandbox(_ context.Context, id string) (*runner.SandboxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive[id] {
		return nil, nil
	}
	return &runner.SandboxHandle{SandboxID: id}, nil
}

func (f *scriptedBackend) IsSandboxAlive(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[id]
}

func (f *scriptedBackend) MarkRunning(context.Context, string) {}
func (f *scriptedBackend) MarkWaiting(context.Context, string) {}

func (f *scriptedBackend) PersistState(context.Context, string, string, string) (bool, error) {
	return true, nil
}

func (f *scriptedBackend) Stats(context.Context) (*pool.Stats, error) {
	return &pool.Stats{MaxSandboxes: 8, Live: 1}, nil
}

func (f *scriptedBackend) RecordWarmHit()      {}
func (f *scriptedBackend) RecordColdLocalHit() {}
func (f *scriptedBackend) RecordColdCloudHit() {}
func (f *scriptedBackend) RecordColdFreshHit() {}

var _ runner.Backend = (*scriptedBackend)(nil)

// stubWarmer records warm-up calls and reports a fixed creation count.
type stubWarmer struct {
	mu      sync.Mutex
	calls   []string
	created int
	err     error
}

func (s *stubWarmer) WarmUp(ctx context.Context, agentName, agentDir string, n int, limits config.Limits) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf("%s:%d", agentName, n))
	if s.err != nil {
		return 0, s.err
	}
	return s.created, nil
}

type apiFixture struct {
	db      *store.Store
	backend *scriptedBackend
	warmer  *stubWarmer
	srv     *httptest.Server
	apiKey  string
}

func newAPIFixture(t *testing.T, apiKey, internalSecret string) *apiFixture {
	t.Helper()
	db, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	backend := newScriptedBackend()
	warmer := &stubWarmer{created: 2}
	coord := runner.NewCoordinator(db, backend, internalSecret, time.Minute, testLogger())
	rt := router.New(db, coord, time.Second, testLogger())
	server := NewServer(db, rt, coord, warmer, config.Limits{}, apiKey, internalSecret, testLogger())

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &apiFixture{db: db, backend: backend, warmer: warmer, srv: srv, apiKey: apiKey}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func agentDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("# a"), 0644))
	return dir
}

func (f *apiFixture) deployAgent(t *testing.T, name string) {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/agents", map[string]string{"name": name, "path": agentDir(t)})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func (f *apiFixture) createSession(t *testing.T, agent string) *store.Session {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/sessions", map[string]string{"agent": agent})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decode[struct {
		Session *store.Session `json:"session"`
	}](t, resp)
	return out.Session
}

func TestHealthIsOpen(t *testing.T) {
	f := newAPIFixture(t, "key123", "")
	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsIsOpen(t *testing.T) {
	f := newAPIFixture(t, "key123", "")
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "ash_")
}

func TestAuthRequiredWhenKeyConfigured(t *testing.T) {
	f := newAPIFixture(t, "key123", "")

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/agents", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer wrong")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestDeployAgentValidatesClaudeMd(t *testing.T) {
	f := newAPIFixture(t, "", "")
	resp := f.do(t, http.MethodPost, "/api/agents", map[string]string{"name": "a", "path": t.TempDir()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.deployAgent(t, "a")
	resp = f.do(t, http.MethodGet, "/api/agents/a", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAgentLifecycle(t *testing.T) {
	f := newAPIFixture(t, "", "")
	f.deployAgent(t, "a")

	resp := f.do(t, http.MethodGet, "/api/agents", nil)
	out := decode[struct {
		Agents []*store.Agent `json:"agents"`
	}](t, resp)
	require.Len(t, out.Agents, 1)

	resp = f.do(t, http.MethodDelete, "/api/agents/a", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/agents/a", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWarmAgentEndpoint(t *testing.T) {
	f := newAPIFixture(t, "", "")
	f.deployAgent(t, "a")

	resp := f.do(t, http.MethodPost, "/api/agents/a/warm", map[string]int{"count": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[struct {
		Created int `json:"created"`
	}](t, resp)
	assert.Equal(t, 2, out.Created)
	assert.Equal(t, []string{"a:2"}, f.warmer.calls)

	resp = f.do(t, http.MethodPost, "/api/agents/ghost/warm", map[string]int{"count": 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/agents/a/warm", map[string]int{"count": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateSessionUnknownAgent404(t *testing.T) {
	f := newAPIFixture(t, "", "")
	resp := f.do(t, http.MethodPost, "/api/sessions", map[string]string{"agent": "ghost"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[ErrorBody](t, resp)
	assert.Equal(t, "not_found", body.ErrorCode)
}

func TestCreateSessionCapacity503(t *testing.T) {
	f := newAPIFixture(t, "", "")
	f.deployAgent(t, "a")
	f.backend.createErr = pool.ErrCapacityReached

	resp := f.do(t, http.MethodPost, "/api/sessions", map[string]string{"agent": "a"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decode[ErrorBody](t, resp)
	assert.Equal(t, "capacity_reached", body.ErrorCode)
}

func TestMessageStreamEndToEnd(t *testing.T) {
	f := newAPIFixture(t, "", "")
	f.deployAgent(t, "a")
	sess := f.createSession(t, "a")
	f.backend.mu.Lock()
	f.backend.script = []protocol.Event{
		{Type: protocol.EventMessage, Payload: []byte(`{"text":"hello"}`)},
		{Type: protocol.EventDone, SessionID: sess.ID},
	}
	f.backend.mu.Unlock()

	resp := f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/messages",
		map[string]any{"content": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "event: message")
	assert.Contains(t, text, `{"text":"hello"}`)
	assert.Contains(t, text, "event: done")
}

func TestMessageRejectedWhenPaused(t *testing.T) {
	f := newAPIFixture(t, "", "")
	f.deployAgent(t, "a")
	sess := f.createSession(t, "a")

	resp := f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/messages", map[string]any{"content": "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorBody](t, resp)
	assert.Equal(t, "invalid_state", body.ErrorCode)
}

func TestPauseResumeEndFlow(t *testing.T) {
	f := newAPIFixture(t, "", "")
	f.deployAgent(t, "a")
	sess := f.createSession(t, "a")

	resp := f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[struct {
		Session *store.Session `json:"session"`
	}](t, resp)
	assert.Equal(t, store.SessionActive, out.Session.Status)

	resp = f.do(t, http.MethodDelete, "/api/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/resume", nil)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestForkReturns201(t *testing.T) {
	f := newAPIFixture(t, "", "")
	f.deployAgent(t, "a")
	sess := f.createSession(t, "a")

	resp := f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/fork", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decode[struct {
		Session *store.Session `json:"session"`
	}](t, resp)
	assert.Equal(t, sess.ID, out.Session.ParentSessionID)
	assert.Equal(t, store.SessionPaused, out.Session.Status)
}

func TestSessionEventsReplay(t *testing.T) {
	f := newAPIFixture(t, "", "")
	f.deployAgent(t, "a")
	sess := f.createSession(t, "a")
	f.backend.mu.Lock()
	f.backend.script = []protocol.Event{{Type: protocol.EventDone, SessionID: sess.ID}}
	f.backend.mu.Unlock()

	resp := f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/messages", map[string]any{"content": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	io.Copy(io.Discard, resp.Body)

	resp = f.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[struct {
		Events []*store.SessionEvent `json:"events"`
	}](t, resp)
	require.NotEmpty(t, out.Events)
	assert.Equal(t, "done", out.Events[len(out.Events)-1].Kind)
}

func TestInternalRoutesNeedSecret(t *testing.T) {
	f := newAPIFixture(t, "", "fleet-secret")

	body, _ := json.Marshal(runner.RegisterRequest{ID: "r1", Host: "h", Port: 7421, MaxSandboxes: 4})
	resp, err := http.Post(f.srv.URL+"/api/internal/runners/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/internal/runners/register", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer fleet-secret")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	row, err := f.db.GetRunner("r1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 4, row.MaxSandboxes)
}

func TestHeartbeatUpdatesRunnerCounts(t *testing.T) {
	f := newAPIFixture(t, "", "")
	resp := f.do(t, http.MethodPost, "/api/internal/runners/register",
		runner.RegisterRequest{ID: "r1", Host: "h", Port: 7421, MaxSandboxes: 4})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/internal/runners/heartbeat", runner.HeartbeatRequest{
		ID:    "r1",
		Stats: pool.Stats{ByState: map[string]int{"running": 2, "waiting": 1, "warm": 1}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	row, err := f.db.GetRunner("r1")
	require.NoError(t, err)
	assert.Equal(t, 3, row.ActiveCount)
	assert.Equal(t, 1, row.WarmingCount)
}

func TestRequestIDHeader(t *testing.T) {
	f := newAPIFixture(t, "", "")
	resp := f.do(t, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestTenantHiddenSessions(t *testing.T) {
	f := newAPIFixture(t, "", "")
	f.deployAgent(t, "a")
	sess := f.createSession(t, "a")

	// Reach into the DB to move the session to another tenant; the API
	// must then behave as if it does not exist.
	_, err := f.db.GetSession(sess.ID)
	require.NoError(t, err)
	require.NoError(t, f.db.CreateSession(&store.Session{
		ID: "foreign", TenantID: "acme", AgentName: "a", Status: store.SessionActive,
		CreatedAt: time.Now().UTC(), LastActiveAt: time.Now().UTC(),
	}))

	resp := f.do(t, http.MethodGet, "/api/sessions/foreign", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/sessions", nil)
	out := decode[struct {
		Sessions []*store.Session `json:"sessions"`
	}](t, resp)
	for _, s := range out.Sessions {
		assert.NotEqual(t, "foreign", s.ID)
	}
}
