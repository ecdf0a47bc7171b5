// Package pool is the in-memory source of truth for live sandboxes on one
// host, backed by the canonical DB rows. It owns admission, eviction, the
// idle sweep, cold cleanup, and the bridge connection of every live entry.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ash-run/ash/internal/config"
	"github.com/ash-run/ash/internal/metrics"
	"github.com/ash-run/ash/internal/sandbox"
	"github.com/ash-run/ash/internal/store"
)

var ErrCapacityReached = errors.New("capacity reached")

// readyTimeout bounds the bridge handshake after spawn.
const readyTimeout = 15 * time.Second

// Entry is one live sandbox. State mirrors the DB row but is authoritative
// for scheduling decisions while the process lives.
type Entry struct {
	SandboxID  string
	SessionID  string
	AgentName  string
	TenantID   string
	State      string
	LastUsedAt time.Time
	Instance   Instance
	Conn       Conn
}

type Options struct {
	Host          string // owning runner id for DB rows
	MaxSandboxes  int
	IdleTimeout   time.Duration
	ColdTTL       time.Duration
	SweepInterval time.Duration

	// OnBeforeEvict runs before a live entry is destroyed by eviction or the
	// idle sweep. Used to persist session state and pause the session.
	OnBeforeEvict func(e *Entry)

	// OnProcessLost runs after a live entry's process dies on its own (OOM
	// kill, disk overrun). Used to pause the owning session so its next
	// message resumes cold instead of failing.
	OnProcessLost func(e *Entry, cause string)

	Logger *slog.Logger
}

type CreateParams struct {
	ID        string
	SessionID string
	TenantID  string
	AgentName string
	AgentDir  string

	SkipAgentCopy    bool
	PrepareWorkspace func(workspaceDir string) error

	Limits        config.Limits
	ExtraEnv      map[string]string
	StartupScript string

	// NoAdopt skips the pre-warm pool; cold resumes always need a fresh
	// workspace.
	NoAdopt bool
}

type Stats struct {
	MaxSandboxes   int            `json:"max_sandboxes"`
	Live           int            `json:"live"`
	ByState        map[string]int `json:"by_state"`
	PreWarmHits    int64          `json:"prewarm_hits"`
	ResumeWarmHits int64          `json:"resume_warm_hits"`
	ColdLocalHits  int64          `json:"cold_local_hits"`
	ColdCloudHits  int64          `json:"cold_cloud_hits"`
	ColdFreshHits  int64          `json:"cold_fresh_hits"`
}

type Pool struct {
	db      *store.Store
	spawner Spawner
	dial    Dialer
	opts    Options
	logger  *slog.Logger

	mu        sync.Mutex
	live      map[string]*Entry
	bySession map[string]string

	// createMu serializes admission so the capacity check and insert do not
	// race between concurrent creates.
	createMu sync.Mutex

	preWarmHits    atomic.Int64
	resumeWarmHits atomic.Int64
	coldLocalHits  atomic.Int64
	coldCloudHits  atomic.Int64
	coldFreshHits  atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(db *store.Store, spawner Spawner, dial Dialer, opts Options) *Pool {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	return &Pool{
		db:        db,
		spawner:   spawner,
		dial:      dial,
		opts:      opts,
		logger:    opts.Logger,
		live:      make(map[string]*Entry),
		bySession: make(map[string]string),
		stopCh:    make(chan struct{}),
	}
}

// Init reconciles the DB with reality after a restart: no process survived,
// so every row owned by this host becomes cold.
func (p *Pool) Init() error {
	if err := p.db.MarkHostSandboxesCold(p.opts.Host); err != nil {
		return err
	}
	p.logger.Info("pool initialized", "host", p.opts.Host, "max_sandboxes", p.opts.MaxSandboxes)
	return nil
}

// Start launches the idle sweep and cold cleanup tickers.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.sweepLoop()
}

// Close stops the sweeps and destroys every live entry, invoking
// OnBeforeEvict so sessions are persisted and paused first.
func (p *Pool) Close(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	for _, e := range p.Entries() {
		if p.opts.OnBeforeEvict != nil {
			p.opts.OnBeforeEvict(e)
		}
		p.destroyEntry(ctx, e)
		if err := p.db.UpdateSandboxState(e.SandboxID, store.SandboxCold); err != nil {
			p.logger.Warn("marking sandbox cold on shutdown failed", "sandbox_id", e.SandboxID, "error", err)
		}
	}
}

// Create admits a new sandbox: adopt a pre-warmed one when possible, else
// check capacity, evict if needed, insert the row and spawn.
func (p *Pool) Create(ctx context.Context, params CreateParams) (*Entry, error) {
	if !params.NoAdopt && params.SessionID != "" {
		if e := p.adoptWarm(params.AgentName, params.SessionID); e != nil {
			p.preWarmHits.Add(1)
			metrics.PreWarmHits.Inc()
			p.logger.Info("adopted pre-warmed sandbox",
				"sandbox_id", e.SandboxID, "session_id", params.SessionID, "agent", params.AgentName)
			return e, nil
		}
	}

	p.createMu.Lock()
	defer p.createMu.Unlock()

	count, err := p.db.CountSandboxesByHost(p.opts.Host)
	if err != nil {
		return nil, err
	}
	if count >= p.opts.MaxSandboxes {
		if !p.evictOne(ctx) {
			return nil, fmt.Errorf("%w: %d/%d sandboxes on %s",
				ErrCapacityReached, count, p.opts.MaxSandboxes, p.opts.Host)
		}
	}

	now := time.Now().UTC()
	row := &store.Sandbox{
		ID:         params.ID,
		TenantID:   params.TenantID,
		SessionID:  params.SessionID,
		AgentName:  params.AgentName,
		State:      store.SandboxWarming,
		Host:       p.opts.Host,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := p.db.InsertSandbox(row); err != nil {
		return nil, err
	}

	entry, err := p.spawnAndConnect(ctx, params)
	if err != nil {
		if derr := p.db.DeleteSandbox(params.ID); derr != nil {
			p.logger.Warn("rolling back sandbox row failed", "sandbox_id", params.ID, "error", derr)
		}
		return nil, err
	}

	if err := p.db.UpdateSandboxState(params.ID, store.SandboxWarm); err != nil {
		p.logger.Warn("updating sandbox state failed", "sandbox_id", params.ID, "error", err)
	}

	p.mu.Lock()
	p.live[entry.SandboxID] = entry
	if entry.SessionID != "" {
		p.bySession[entry.SessionID] = entry.SandboxID
	}
	p.mu.Unlock()
	p.publishStateGauges()
	return entry, nil
}

func (p *Pool) spawnAndConnect(ctx context.Context, params CreateParams) (*Entry, error) {
	inst, err := p.spawner.Spawn(ctx, sandbox.CreateRequest{
		ID:               params.ID,
		SessionID:        params.SessionID,
		AgentName:        params.AgentName,
		AgentDir:         params.AgentDir,
		SkipAgentCopy:    params.SkipAgentCopy,
		PrepareWorkspace: params.PrepareWorkspace,
		Limits:           params.Limits,
		ExtraEnv:         params.ExtraEnv,
		StartupScript:    params.StartupScript,
		OnOOM:            p.handleDeadProcess("oom"),
		OnDiskExceeded:   p.handleDeadProcess("disk limit"),
	})
	if err != nil {
		return nil, err
	}

	conn, err := p.dial(ctx, inst.Socket())
	if err == nil {
		readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
		err = conn.WaitReady(readyCtx)
		cancel()
	}
	if err != nil {
		if derr := inst.Destroy(context.Background()); derr != nil {
			p.logger.Warn("destroying unreachable sandbox failed", "sandbox_id", params.ID, "error", derr)
		}
		return nil, fmt.Errorf("bridge handshake for %s: %w", params.ID, err)
	}

	return &Entry{
		SandboxID:  params.ID,
		SessionID:  params.SessionID,
		AgentName:  params.AgentName,
		TenantID:   params.TenantID,
		State:      store.SandboxWarm,
		LastUsedAt: time.Now(),
		Instance:   inst,
		Conn:       conn,
	}, nil
}

// handleDeadProcess turns a runtime callback (OOM, disk overrun) into
// dropping the entry and notifying the owner. Get would drop lazily too;
// this makes the loss visible right away and lets the owner park the
// session instead of failing its next message.
func (p *Pool) handleDeadProcess(cause string) func(string) {
	return func(id string) {
		p.logger.Warn("sandbox process lost", "sandbox_id", id, "cause", cause)
		p.mu.Lock()
		e := p.live[id]
		p.mu.Unlock()
		p.drop(id)
		if e != nil && p.opts.OnProcessLost != nil {
			p.opts.OnProcessLost(e, cause)
		}
	}
}

// adoptWarm binds an unowned warm sandbox for agentName to sessionID.
func (p *Pool) adoptWarm(agentName, sessionID string) *Entry {
	p.mu.Lock()
	var best *Entry
	for _, e := range p.live {
		if e.State != store.SandboxWarm || e.SessionID != "" || e.AgentName != agentName {
			continue
		}
		if !e.Instance.Alive() {
			continue
		}
		if best == nil || e.LastUsedAt.Before(best.LastUsedAt) {
			best = e
		}
	}
	if best == nil {
		p.mu.Unlock()
		return nil
	}
	best.SessionID = sessionID
	best.LastUsedAt = time.Now()
	p.bySession[sessionID] = best.SandboxID
	p.mu.Unlock()

	if err := p.db.UpdateSandboxSession(best.SandboxID, sessionID); err != nil {
		p.logger.Warn("binding sandbox session failed", "sandbox_id", best.SandboxID, "error", err)
	}
	return best
}

// WarmUp creates up to n unowned warm sandboxes for an agent. Returns how
// many were actually created; capacity exhaustion stops early without error.
func (p *Pool) WarmUp(ctx context.Context, agentName, agentDir string, n int, limits config.Limits) (int, error) {
	created := 0
	for i := 0; i < n; i++ {
		id := "prewarm-" + newID()
		_, err := p.Create(ctx, CreateParams{
			ID:        id,
			AgentName: agentName,
			AgentDir:  agentDir,
			Limits:    limits,
			NoAdopt:   true,
		})
		if errors.Is(err, ErrCapacityReached) {
			break
		}
		if err != nil {
			return created, err
		}
		created++
	}
	p.logger.Info("pre-warmed sandboxes", "agent", agentName, "requested", n, "created", created)
	return created, nil
}

// Get returns the live entry when its process is still running. A dead
// process drops the entry and schedules the row cold.
func (p *Pool) Get(id string) (*Entry, bool) {
	p.mu.Lock()
	e, ok := p.live[id]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	if e.Instance.Alive() {
		return e, true
	}
	p.drop(id)
	return nil, false
}

// GetBySession resolves a session to its live entry, if any.
func (p *Pool) GetBySession(sessionID string) (*Entry, bool) {
	p.mu.Lock()
	id, ok := p.bySession[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	return p.Get(id)
}

// drop removes a dead entry from the live maps and marks the row cold.
func (p *Pool) drop(id string) {
	p.mu.Lock()
	e, ok := p.live[id]
	if ok {
		delete(p.live, id)
		if e.SessionID != "" {
			delete(p.bySession, e.SessionID)
		}
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	if e.Conn != nil {
		e.Conn.Close()
	}
	go func() {
		if err := p.db.UpdateSandboxState(id, store.SandboxCold); err != nil && !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("marking dead sandbox cold failed", "sandbox_id", id, "error", err)
		}
	}()
	p.publishStateGauges()
}

// MarkRunning flips the entry to running. The in-memory state changes
// synchronously; the DB write is fire-and-forget.
func (p *Pool) MarkRunning(id string) {
	p.mark(id, store.SandboxRunning)
}

// MarkWaiting flips the entry to waiting.
func (p *Pool) MarkWaiting(id string) {
	p.mark(id, store.SandboxWaiting)
}

func (p *Pool) mark(id, st string) {
	p.mu.Lock()
	e, ok := p.live[id]
	if ok {
		e.State = st
		e.LastUsedAt = time.Now()
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	go func() {
		if err := p.db.UpdateSandboxState(id, st); err != nil && !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("updating sandbox state failed", "sandbox_id", id, "state", st, "error", err)
		}
	}()
	p.publishStateGauges()
}

// Touch bumps last-used without changing state.
func (p *Pool) Touch(id string) {
	p.mu.Lock()
	if e, ok := p.live[id]; ok {
		e.LastUsedAt = time.Now()
	}
	p.mu.Unlock()
}

// Remove destroys the process, deletes the row, and removes the sandbox
// directory. Idempotent.
func (p *Pool) Remove(ctx context.Context, id string) {
	p.mu.Lock()
	e, ok := p.live[id]
	if ok {
		delete(p.live, id)
		if e.SessionID != "" {
			delete(p.bySession, e.SessionID)
		}
	}
	p.mu.Unlock()
	if ok {
		p.destroyEntry(ctx, e)
	}
	if err := p.db.DeleteSandbox(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("deleting sandbox row failed", "sandbox_id", id, "error", err)
	}
	if err := os.RemoveAll(p.spawner.SandboxDir(id)); err != nil {
		p.logger.Warn("removing sandbox dir failed", "sandbox_id", id, "error", err)
	}
	p.publishStateGauges()
}

func (p *Pool) destroyEntry(ctx context.Context, e *Entry) {
	if e.Conn != nil {
		if err := e.Conn.Shutdown(); err != nil {
			p.logger.Debug("bridge shutdown failed", "sandbox_id", e.SandboxID, "error", err)
		}
		e.Conn.Close()
	}
	if err := e.Instance.Destroy(ctx); err != nil {
		p.logger.Warn("destroying sandbox failed", "sandbox_id", e.SandboxID, "error", err)
	}
}

// evictOne frees exactly one slot. Candidate order: cold DB rows, then
// waiting entries, then unowned-or-owned warm entries, oldest first within
// each tier. Running and warming sandboxes are never evicted. Returns
// whether a slot was freed. Caller holds createMu.
func (p *Pool) evictOne(ctx context.Context) bool {
	cold, err := p.db.OldestColdSandbox(p.opts.Host)
	if err != nil {
		p.logger.Warn("querying cold sandboxes failed", "error", err)
	} else if cold != nil {
		p.logger.Info("evicting cold sandbox", "sandbox_id", cold.ID)
		metrics.Evictions.Inc()
		p.Remove(ctx, cold.ID)
		return true
	}

	tried := make(map[string]bool)
	for {
		victim := p.pickLiveVictim(tried)
		if victim == nil {
			return false
		}
		tried[victim.SandboxID] = true

		if p.opts.OnBeforeEvict != nil {
			p.opts.OnBeforeEvict(victim)
		}
		// The persist hook can take a while; a message turn may have started
		// on the victim in the meantime. Claim it only if it is still idle.
		e := p.claimIfIdle(victim.SandboxID)
		if e == nil {
			p.logger.Info("eviction victim became busy, picking another", "sandbox_id", victim.SandboxID)
			continue
		}
		p.logger.Info("evicting live sandbox",
			"sandbox_id", e.SandboxID, "state", e.State, "session_id", e.SessionID)
		metrics.Evictions.Inc()
		p.destroyEntry(ctx, e)
		if err := p.db.DeleteSandbox(e.SandboxID); err != nil && !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("deleting sandbox row failed", "sandbox_id", e.SandboxID, "error", err)
		}
		if err := os.RemoveAll(p.spawner.SandboxDir(e.SandboxID)); err != nil {
			p.logger.Warn("removing sandbox dir failed", "sandbox_id", e.SandboxID, "error", err)
		}
		p.publishStateGauges()
		return true
	}
}

// claimIfIdle removes the entry from the live maps unless it went running
// since it was picked. Once claimed the entry is invisible to Get and the
// marks, so no turn can start on it mid-destroy.
func (p *Pool) claimIfIdle(id string) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.live[id]
	if !ok || e.State == store.SandboxRunning {
		return nil
	}
	delete(p.live, id)
	if e.SessionID != "" {
		delete(p.bySession, e.SessionID)
	}
	return e
}

func (p *Pool) pickLiveVictim(except map[string]bool) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range []string{store.SandboxWaiting, store.SandboxWarm} {
		var best *Entry
		for _, e := range p.live {
			if e.State != st || except[e.SandboxID] {
				continue
			}
			if best == nil || e.LastUsedAt.Before(best.LastUsedAt) {
				best = e
			}
		}
		if best != nil {
			return best
		}
	}
	return nil
}

// Entries returns a snapshot of the live entries.
func (p *Pool) Entries() []*Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Entry, 0, len(p.live))
	for _, e := range p.live {
		out = append(out, e)
	}
	return out
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweepIdle(context.Background())
			p.cleanupCold()
		}
	}
}

// sweepIdle releases waiting entries idle past the timeout. Running and
// warm entries are left alone.
func (p *Pool) sweepIdle(ctx context.Context) {
	if p.opts.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.opts.IdleTimeout)

	p.mu.Lock()
	var victims []*Entry
	for _, e := range p.live {
		if e.State == store.SandboxWaiting && e.LastUsedAt.Before(cutoff) {
			victims = append(victims, e)
		}
	}
	p.mu.Unlock()

	for _, v := range victims {
		if p.opts.OnBeforeEvict != nil {
			p.opts.OnBeforeEvict(v)
		}
		// Same race as eviction: the persist can outlast the idleness.
		e := p.claimIfIdle(v.SandboxID)
		if e == nil {
			p.logger.Info("idle candidate became busy, skipping", "sandbox_id", v.SandboxID)
			continue
		}
		p.logger.Info("idle sweep releasing sandbox",
			"sandbox_id", e.SandboxID, "session_id", e.SessionID, "idle_since", e.LastUsedAt)
		p.destroyEntry(ctx, e)
		if err := p.db.UpdateSandboxState(e.SandboxID, store.SandboxCold); err != nil && !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("marking sandbox cold failed", "sandbox_id", e.SandboxID, "error", err)
		}
		p.publishStateGauges()
	}
}

// cleanupCold deletes cold rows past the TTL along with their directories.
func (p *Pool) cleanupCold() {
	if p.opts.ColdTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.opts.ColdTTL)
	rows, err := p.db.ListColdSandboxesBefore(p.opts.Host, cutoff)
	if err != nil {
		p.logger.Warn("listing cold sandboxes failed", "error", err)
		return
	}
	for _, row := range rows {
		p.logger.Info("cold cleanup removing sandbox", "sandbox_id", row.ID, "last_used_at", row.LastUsedAt)
		if err := p.db.DeleteSandbox(row.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("deleting cold sandbox failed", "sandbox_id", row.ID, "error", err)
			continue
		}
		if err := os.RemoveAll(p.spawner.SandboxDir(row.ID)); err != nil {
			p.logger.Warn("removing cold sandbox dir failed", "sandbox_id", row.ID, "error", err)
		}
	}
}

// Counter hooks consumed by the backends.
func (p *Pool) RecordWarmHit() {
	p.resumeWarmHits.Add(1)
	metrics.ResumeWarmHits.Inc()
}

func (p *Pool) RecordColdLocalHit() {
	p.coldLocalHits.Add(1)
	metrics.ResumeColdHits.WithLabelValues("local").Inc()
}

func (p *Pool) RecordColdCloudHit() {
	p.coldCloudHits.Add(1)
	metrics.ResumeColdHits.WithLabelValues("cloud").Inc()
}

func (p *Pool) RecordColdFreshHit() {
	p.coldFreshHits.Add(1)
	metrics.ResumeColdHits.WithLabelValues("fresh").Inc()
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	byState := make(map[string]int)
	for _, e := range p.live {
		byState[e.State]++
	}
	live := len(p.live)
	p.mu.Unlock()

	return Stats{
		MaxSandboxes:   p.opts.MaxSandboxes,
		Live:           live,
		ByState:        byState,
		PreWarmHits:    p.preWarmHits.Load(),
		ResumeWarmHits: p.resumeWarmHits.Load(),
		ColdLocalHits:  p.coldLocalHits.Load(),
		ColdCloudHits:  p.coldCloudHits.Load(),
		ColdFreshHits:  p.coldFreshHits.Load(),
	}
}

func (p *Pool) publishStateGauges() {
	p.mu.Lock()
	byState := make(map[string]int)
	for _, e := range p.live {
		byState[e.State]++
	}
	p.mu.Unlock()
	for _, st := range []string{store.SandboxWarming, store.SandboxWarm, store.SandboxWaiting, store.SandboxRunning} {
		metrics.SandboxesByState.WithLabelValues(st).Set(float64(byState[st]))
	}
}
