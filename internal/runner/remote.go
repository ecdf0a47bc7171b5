package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ash-run/ash/internal/metrics"
	"github.com/ash-run/ash/internal/pool"
	"github.com/ash-run/ash/internal/store"
	"github.com/ash-run/ash/protocol"
)

// controlTimeout bounds non-streaming runner calls. A hung runner surfaces
// as an error to the session rather than a stuck handler.
const controlTimeout = 15 * time.Second

// RemoteBackend proxies the Backend surface to another runner over HTTP.
// Command streams arrive as SSE and are re-emitted as protocol events.
type RemoteBackend struct {
	runnerID string
	baseURL  string
	secret   string
	logger   *slog.Logger

	client       *http.Client
	streamClient *http.Client

	// known caches handles returned by this runner; IsSandboxAlive treats
	// presence as proof, the runner itself is the authority.
	mu    sync.Mutex
	known map[string]*SandboxHandle
}

func NewRemoteBackend(runnerID, baseURL, secret string, logger *slog.Logger) *RemoteBackend {
	return &RemoteBackend{
		runnerID:     runnerID,
		baseURL:      strings.TrimRight(baseURL, "/"),
		secret:       secret,
		logger:       logger,
		client:       &http.Client{Timeout: controlTimeout},
		streamClient: &http.Client{},
		known:        make(map[string]*SandboxHandle),
	}
}

func (b *RemoteBackend) RunnerID() string { return b.runnerID }

func (b *RemoteBackend) CreateSandbox(ctx context.Context, req CreateSandboxRequest) (*CreateSandboxResponse, error) {
	var resp CreateSandboxResponse
	if err := b.doJSON(ctx, http.MethodPost, "/runner/sandboxes", req, &resp); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.known[resp.SandboxID] = &resp.SandboxHandle
	b.mu.Unlock()
	return &resp, nil
}

func (b *RemoteBackend) DestroySandbox(ctx context.Context, id string) error {
	b.mu.Lock()
	delete(b.known, id)
	b.mu.Unlock()
	return b.doJSON(ctx, http.MethodDelete, "/runner/sandboxes/"+id, nil, nil)
}

func (b *RemoteBackend) SendCommand(ctx context.Context, id string, cmd protocol.Command) (<-chan protocol.Event, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/runner/sandboxes/"+id+"/cmd", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	b.authorize(req)

	resp, err := b.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner %s: %w", b.runnerID, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, b.statusError(resp)
	}

	ch := make(chan protocol.Event, 256)
	go b.consumeSSE(ctx, resp.Body, ch)
	return ch, nil
}

// consumeSSE parses `event:`/`data:` frames; each data line carries a full
// protocol event. The channel closes on a terminal event or stream end.
func (b *RemoteBackend) consumeSSE(ctx context.Context, body io.ReadCloser, ch chan<- protocol.Event) {
	defer close(ch)
	defer body.Close()

	emit := func(ev protocol.Event) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
	var data []byte
	sawTerminal := false
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(bytes.TrimSpace(line)) == 0:
			if len(data) == 0 {
				continue
			}
			ev := protocol.DecodeEventLine(data)
			data = nil
			if !emit(ev) {
				return
			}
			if ev.Type == protocol.EventDone || ev.Type == protocol.EventError {
				sawTerminal = true
				return
			}
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, bytes.TrimSpace(line[len("data:"):])...)
		default:
			// event: and comment lines carry nothing the data line doesn't
		}
	}

	if !sawTerminal {
		emit(protocol.Event{Type: protocol.EventError, Error: "peer_closed"})
	}
}

func (b *RemoteBackend) Interrupt(ctx context.Context, id string) error {
	return b.doJSON(ctx, http.MethodPost, "/runner/sandboxes/"+id+"/interrupt", nil, nil)
}

func (b *RemoteBackend) GetSandbox(ctx context.Context, id string) (*SandboxHandle, error) {
	b.mu.Lock()
	h, ok := b.known[id]
	b.mu.Unlock()
	if ok {
		return h, nil
	}

	var handle SandboxHandle
	err := b.doJSON(ctx, http.MethodGet, "/runner/sandboxes/"+id, nil, &handle)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	b.mu.Lock()
	b.known[id] = &handle
	b.mu.Unlock()
	return &handle, nil
}

func (b *RemoteBackend) IsSandboxAlive(ctx context.Context, id string) bool {
	h, err := b.GetSandbox(ctx, id)
	return err == nil && h != nil
}

func (b *RemoteBackend) MarkRunning(ctx context.Context, id string) { b.mark(ctx, id, "running") }
func (b *RemoteBackend) MarkWaiting(ctx context.Context, id string) { b.mark(ctx, id, "waiting") }

func (b *RemoteBackend) mark(ctx context.Context, id, st string) {
	err := b.doJSON(ctx, http.MethodPost, "/runner/sandboxes/"+id+"/mark", map[string]string{"state": st}, nil)
	if err != nil {
		b.logger.Warn("marking remote sandbox failed",
			"runner_id", b.runnerID, "sandbox_id", id, "state", st, "error", err)
	}
}

func (b *RemoteBackend) PersistState(ctx context.Context, id, sessionID, agentName string) (bool, error) {
	var out struct {
		Persisted bool `json:"persisted"`
	}
	err := b.doJSON(ctx, http.MethodPost, "/runner/sandboxes/"+id+"/persist",
		map[string]string{"session_id": sessionID, "agent_name": agentName}, &out)
	if err != nil {
		return false, err
	}
	return out.Persisted, nil
}

func (b *RemoteBackend) Stats(ctx context.Context) (*pool.Stats, error) {
	var stats pool.Stats
	if err := b.doJSON(ctx, http.MethodGet, "/runner/health", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Resume-hit counters live in the coordinator process for remote-bound
// sessions; only the shared metrics see them.
func (b *RemoteBackend) RecordWarmHit()      { metrics.ResumeWarmHits.Inc() }
func (b *RemoteBackend) RecordColdLocalHit() { metrics.ResumeColdHits.WithLabelValues("local").Inc() }
func (b *RemoteBackend) RecordColdCloudHit() { metrics.ResumeColdHits.WithLabelValues("cloud").Inc() }
func (b *RemoteBackend) RecordColdFreshHit() { metrics.ResumeColdHits.WithLabelValues("fresh").Inc() }

func (b *RemoteBackend) authorize(req *http.Request) {
	if b.secret != "" {
		req.Header.Set("Authorization", "Bearer "+b.secret)
	}
}

func (b *RemoteBackend) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("runner %s: %w", b.runnerID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return b.statusError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError maps the runner's structured error body back to the sentinel
// the router dispatches on.
func (b *RemoteBackend) statusError(resp *http.Response) error {
	var body struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &body)

	switch body.ErrorCode {
	case "capacity_reached":
		return fmt.Errorf("runner %s: %w", b.runnerID, pool.ErrCapacityReached)
	case "not_found":
		return fmt.Errorf("runner %s: %s: %w", b.runnerID, body.Message, store.ErrNotFound)
	}
	if body.Message != "" {
		return fmt.Errorf("runner %s: %s (%d)", b.runnerID, body.Message, resp.StatusCode)
	}
	return fmt.Errorf("runner %s: unexpected status %d", b.runnerID, resp.StatusCode)
}

var _ Backend = (*RemoteBackend)(nil)
