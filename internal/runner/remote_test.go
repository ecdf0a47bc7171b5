package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ash-run/ash/internal/pool"
	"github.com/ash-run/ash/protocol"
)

func sseWrite(w http.ResponseWriter, ev protocol.Event) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestRemoteSendCommandParsesSSE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/runner/sandboxes/sb-1/cmd", r.URL.Path)
		require.Equal(t, "Bearer shh", r.Header.Get("Authorization"))

		var cmd protocol.Command
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cmd))
		require.Equal(t, protocol.CommandQuery, cmd.Type)

		w.Header().Set("Content-Type", "text/event-stream")
		payload, _ := json.Marshal(map[string]string{"text": "hi"})
		sseWrite(w, protocol.Event{Type: protocol.EventMessage, SessionID: cmd.SessionID, Payload: payload})
		sseWrite(w, protocol.Event{Type: protocol.EventDone, SessionID: cmd.SessionID})
	}))
	defer srv.Close()

	b := NewRemoteBackend("r1", srv.URL, "shh", testLogger())
	events, err := b.SendCommand(context.Background(), "sb-1", protocol.Command{
		Type: protocol.CommandQuery, SessionID: "s1", Prompt: "hello",
	})
	require.NoError(t, err)

	var got []protocol.Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, protocol.EventMessage, got[0].Type)
	assert.JSONEq(t, `{"text":"hi"}`, string(got[0].Payload))
	assert.Equal(t, protocol.EventDone, got[1].Type)
}

func TestRemoteSendCommandPeerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(w, protocol.Event{Type: protocol.EventMessage})
		// Connection drops without a terminal event.
	}))
	defer srv.Close()

	b := NewRemoteBackend("r1", srv.URL, "", testLogger())
	events, err := b.SendCommand(context.Background(), "sb-1", protocol.Command{Type: protocol.CommandQuery})
	require.NoError(t, err)

	var got []protocol.Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, protocol.EventError, got[1].Type)
	assert.Equal(t, "peer_closed", got[1].Error)
}

func TestRemoteCreateMapsCapacityError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"error_code": "capacity_reached", "message": "pool full",
		})
	}))
	defer srv.Close()

	b := NewRemoteBackend("r1", srv.URL, "", testLogger())
	_, err := b.CreateSandbox(context.Background(), CreateSandboxRequest{AgentName: "helper"})
	require.ErrorIs(t, err, pool.ErrCapacityReached)
}

func TestRemoteCreateCachesHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(CreateSandboxResponse{
			SandboxHandle: SandboxHandle{SandboxID: "sb-9", WorkspaceDir: "/data/sandboxes/sb-9/workspace"},
		})
	}))
	defer srv.Close()

	b := NewRemoteBackend("r1", srv.URL, "", testLogger())
	resp, err := b.CreateSandbox(context.Background(), CreateSandboxRequest{AgentName: "helper"})
	require.NoError(t, err)
	assert.Equal(t, "sb-9", resp.SandboxID)

	// Alive now answers from the cache, no further HTTP.
	srv.Close()
	assert.True(t, b.IsSandboxAlive(context.Background(), "sb-9"))
}

func TestRemoteGetSandboxNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error_code": "not_found", "message": "gone"})
	}))
	defer srv.Close()

	b := NewRemoteBackend("r1", srv.URL, "", testLogger())
	h, err := b.GetSandbox(context.Background(), "sb-ghost")
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.False(t, b.IsSandboxAlive(context.Background(), "sb-ghost"))
}

func TestRemotePersistState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/runner/sandboxes/sb-1/persist", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "s1", body["session_id"])
		json.NewEncoder(w).Encode(map[string]bool{"persisted": true})
	}))
	defer srv.Close()

	b := NewRemoteBackend("r1", srv.URL, "", testLogger())
	ok, err := b.PersistState(context.Background(), "sb-1", "s1", "helper")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoteStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/runner/health", r.URL.Path)
		json.NewEncoder(w).Encode(pool.Stats{MaxSandboxes: 8, Live: 3})
	}))
	defer srv.Close()

	b := NewRemoteBackend("r1", srv.URL, "", testLogger())
	stats, err := b.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, stats.MaxSandboxes)
	assert.Equal(t, 3, stats.Live)
}

func TestAgentRegisterAndHeartbeat(t *testing.T) {
	registered := make(chan RegisterRequest, 4)
	heartbeats := make(chan HeartbeatRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/internal/runners/register":
			var req RegisterRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			registered <- req
		case "/api/internal/runners/heartbeat":
			var req HeartbeatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			heartbeats <- req
		case "/api/internal/runners/deregister":
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	p := pool.New(nil, nil, nil, pool.Options{Host: "r1", MaxSandboxes: 8, Logger: testLogger()})
	agent := NewAgent(srv.URL, "shh", RegisterRequest{
		ID: "r1", Host: "10.0.0.5", Port: 7421, MaxSandboxes: 8,
	}, p, 20*time.Millisecond, testLogger())

	require.NoError(t, agent.Register(context.Background()))
	reg := <-registered
	assert.Equal(t, "r1", reg.ID)
	assert.Equal(t, 8, reg.MaxSandboxes)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { agent.Run(ctx); close(done) }()

	select {
	case hb := <-heartbeats:
		assert.Equal(t, "r1", hb.ID)
		assert.Equal(t, 8, hb.Stats.MaxSandboxes)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat arrived")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
}
