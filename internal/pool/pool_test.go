package pool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ash-run/ash/internal/config"
	"github.com/ash-run/ash/internal/store"
)

func testLimits() config.Limits {
	return config.Limits{MemoryMB: 256, CPUPercent: 50, DiskMB: 128, MaxProcesses: 16}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type poolFixture struct {
	pool    *Pool
	db      *store.Store
	spawner *fakeSpawner
	evicted []*Entry
	lost    []string
}

func newFixture(t *testing.T, maxSandboxes int) *poolFixture {
	t.Helper()
	db, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &poolFixture{db: db, spawner: newFakeSpawner(t.TempDir())}
	f.pool = New(db, f.spawner, fakeDialer(), Options{
		Host:         "runner-a",
		MaxSandboxes: maxSandboxes,
		IdleTimeout:  time.Hour,
		ColdTTL:      24 * time.Hour,
		OnBeforeEvict: func(e *Entry) {
			f.evicted = append(f.evicted, e)
		},
		OnProcessLost: func(e *Entry, cause string) {
			f.lost = append(f.lost, e.SandboxID+":"+cause)
		},
		Logger: testLogger(),
	})
	require.NoError(t, f.pool.Init())
	return f
}

func (f *poolFixture) create(t *testing.T, id, sessionID string) *Entry {
	t.Helper()
	e, err := f.pool.Create(context.Background(), CreateParams{
		ID: id, SessionID: sessionID, AgentName: "helper", AgentDir: t.TempDir(),
	})
	require.NoError(t, err)
	return e
}

func (f *poolFixture) rowState(t *testing.T, id string) string {
	t.Helper()
	row, err := f.db.GetSandbox(id)
	require.NoError(t, err)
	require.NotNil(t, row)
	return row.State
}

func TestCreateGoesWarmAndIndexesSession(t *testing.T) {
	f := newFixture(t, 4)
	e := f.create(t, "sb-1", "sess-1")

	assert.Equal(t, store.SandboxWarm, e.State)
	assert.Equal(t, store.SandboxWarm, f.rowState(t, "sb-1"))

	got, ok := f.pool.Get("sb-1")
	require.True(t, ok)
	assert.Same(t, e, got)

	bySession, ok := f.pool.GetBySession("sess-1")
	require.True(t, ok)
	assert.Same(t, e, bySession)
}

func TestCreateSpawnFailureRollsBackRow(t *testing.T) {
	f := newFixture(t, 4)
	f.spawner.failNext = errors.New("no more pids")

	_, err := f.pool.Create(context.Background(), CreateParams{
		ID: "sb-1", SessionID: "sess-1", AgentName: "helper", AgentDir: t.TempDir(),
	})
	require.Error(t, err)

	row, err := f.db.GetSandbox("sb-1")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestCapacityEvictsColdRowFirst(t *testing.T) {
	f := newFixture(t, 1)
	now := time.Now().UTC()
	require.NoError(t, f.db.InsertSandbox(&store.Sandbox{
		ID: "old-cold", AgentName: "helper", State: store.SandboxCold,
		Host: "runner-a", CreatedAt: now.Add(-time.Hour), LastUsedAt: now.Add(-time.Hour),
	}))

	f.create(t, "sb-new", "sess-1")

	row, err := f.db.GetSandbox("old-cold")
	require.NoError(t, err)
	assert.Nil(t, row, "cold row should be evicted")
	assert.Empty(t, f.evicted, "cold eviction has no live entry to persist")
}

func TestEvictionPrefersWaitingOverWarm(t *testing.T) {
	f := newFixture(t, 2)
	f.create(t, "sb-warm", "sess-warm")
	f.create(t, "sb-waiting", "sess-waiting")
	f.pool.MarkWaiting("sb-waiting")

	f.create(t, "sb-new", "sess-new")

	require.Len(t, f.evicted, 1)
	assert.Equal(t, "sb-waiting", f.evicted[0].SandboxID)

	_, ok := f.pool.Get("sb-warm")
	assert.True(t, ok)
	_, ok = f.pool.Get("sb-waiting")
	assert.False(t, ok)
}

func TestEvictionPicksOldestWithinTier(t *testing.T) {
	f := newFixture(t, 2)
	older := f.create(t, "sb-older", "sess-1")
	f.create(t, "sb-newer", "sess-2")
	older.LastUsedAt = time.Now().Add(-time.Hour)

	f.create(t, "sb-new", "sess-3")

	require.Len(t, f.evicted, 1)
	assert.Equal(t, "sb-older", f.evicted[0].SandboxID)
}

func TestRunningIsNeverEvicted(t *testing.T) {
	f := newFixture(t, 1)
	f.create(t, "sb-busy", "sess-1")
	f.pool.MarkRunning("sb-busy")

	_, err := f.pool.Create(context.Background(), CreateParams{
		ID: "sb-2", SessionID: "sess-2", AgentName: "helper", AgentDir: t.TempDir(),
	})
	require.ErrorIs(t, err, ErrCapacityReached)

	_, ok := f.pool.Get("sb-busy")
	assert.True(t, ok)
}

func TestGetDropsDeadProcess(t *testing.T) {
	f := newFixture(t, 4)
	f.create(t, "sb-1", "sess-1")
	f.spawner.instance("sb-1").alive.Store(false)

	_, ok := f.pool.Get("sb-1")
	assert.False(t, ok)
	_, ok = f.pool.GetBySession("sess-1")
	assert.False(t, ok)

	assert.Eventually(t, func() bool {
		return f.rowState(t, "sb-1") == store.SandboxCold
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMarkRunningIsSynchronousInMemory(t *testing.T) {
	f := newFixture(t, 4)
	e := f.create(t, "sb-1", "sess-1")

	f.pool.MarkRunning("sb-1")
	assert.Equal(t, store.SandboxRunning, e.State)

	f.pool.MarkWaiting("sb-1")
	assert.Equal(t, store.SandboxWaiting, e.State)

	assert.Eventually(t, func() bool {
		return f.rowState(t, "sb-1") == store.SandboxWaiting
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWarmUpAndAdoption(t *testing.T) {
	f := newFixture(t, 4)
	created, err := f.pool.WarmUp(context.Background(), "helper", t.TempDir(), 2, testLimits())
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	e := f.create(t, "sb-ignored", "sess-1")
	assert.Contains(t, e.SandboxID, "prewarm-", "session should adopt a pre-warmed sandbox")
	assert.Equal(t, "sess-1", e.SessionID)

	stats := f.pool.Stats()
	assert.Equal(t, int64(1), stats.PreWarmHits)

	row, err := f.db.GetSandbox(e.SandboxID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", row.SessionID)
}

func TestWarmUpStopsAtCapacity(t *testing.T) {
	f := newFixture(t, 2)
	created, err := f.pool.WarmUp(context.Background(), "helper", t.TempDir(), 5, testLimits())
	require.NoError(t, err)
	assert.Equal(t, 2, created)
}

func TestIdleSweepReleasesOnlyStaleWaiting(t *testing.T) {
	f := newFixture(t, 4)
	stale := f.create(t, "sb-stale", "sess-stale")
	f.create(t, "sb-fresh", "sess-fresh")
	f.pool.MarkWaiting("sb-stale")
	f.pool.MarkWaiting("sb-fresh")
	stale.LastUsedAt = time.Now().Add(-2 * time.Hour)

	f.pool.sweepIdle(context.Background())

	require.Len(t, f.evicted, 1)
	assert.Equal(t, "sb-stale", f.evicted[0].SandboxID)
	_, ok := f.pool.Get("sb-stale")
	assert.False(t, ok)
	_, ok = f.pool.Get("sb-fresh")
	assert.True(t, ok)
	assert.Equal(t, store.SandboxCold, f.rowState(t, "sb-stale"))
}

func TestIdleSweepIgnoresRunning(t *testing.T) {
	f := newFixture(t, 4)
	e := f.create(t, "sb-busy", "sess-1")
	f.pool.MarkRunning("sb-busy")
	e.LastUsedAt = time.Now().Add(-2 * time.Hour)

	f.pool.sweepIdle(context.Background())

	_, ok := f.pool.Get("sb-busy")
	assert.True(t, ok)
	assert.Empty(t, f.evicted)
}

func TestColdCleanupDeletesRowAndDir(t *testing.T) {
	f := newFixture(t, 4)
	now := time.Now().UTC()
	dir := f.spawner.SandboxDir("sb-old")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, f.db.InsertSandbox(&store.Sandbox{
		ID: "sb-old", AgentName: "helper", State: store.SandboxCold,
		Host: "runner-a", CreatedAt: now.Add(-48 * time.Hour), LastUsedAt: now.Add(-48 * time.Hour),
	}))

	f.pool.cleanupCold()

	row, err := f.db.GetSandbox("sb-old")
	require.NoError(t, err)
	assert.Nil(t, row)
	assert.NoDirExists(t, dir)
}

func TestColdCleanupKeepsFreshRows(t *testing.T) {
	f := newFixture(t, 4)
	now := time.Now().UTC()
	require.NoError(t, f.db.InsertSandbox(&store.Sandbox{
		ID: "sb-recent", AgentName: "helper", State: store.SandboxCold,
		Host: "runner-a", CreatedAt: now, LastUsedAt: now,
	}))

	f.pool.cleanupCold()

	row, err := f.db.GetSandbox("sb-recent")
	require.NoError(t, err)
	assert.NotNil(t, row)
}

func TestInitMarksHostRowsCold(t *testing.T) {
	db, err := store.New(":memory:")
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	require.NoError(t, db.InsertSandbox(&store.Sandbox{
		ID: "sb-stuck", AgentName: "helper", State: store.SandboxRunning,
		Host: "runner-a", CreatedAt: now, LastUsedAt: now,
	}))

	p := New(db, newFakeSpawner(t.TempDir()), fakeDialer(), Options{
		Host: "runner-a", MaxSandboxes: 4, Logger: testLogger(),
	})
	require.NoError(t, p.Init())

	row, err := db.GetSandbox("sb-stuck")
	require.NoError(t, err)
	assert.Equal(t, store.SandboxCold, row.State)
}

func TestCloseDestroysLiveEntriesWithCallback(t *testing.T) {
	f := newFixture(t, 4)
	f.create(t, "sb-1", "sess-1")
	f.create(t, "sb-2", "sess-2")

	f.pool.Close(context.Background())

	assert.Len(t, f.evicted, 2)
	assert.False(t, f.spawner.instance("sb-1").Alive())
	assert.False(t, f.spawner.instance("sb-2").Alive())
	assert.Equal(t, store.SandboxCold, f.rowState(t, "sb-1"))
}

// A message turn can mark its sandbox running while the persist hook of an
// eviction is still underway. The victim must be re-checked after the hook
// and spared; the next idle entry takes its place.
func TestEvictionSparesVictimThatStartsRunning(t *testing.T) {
	db, err := store.New(":memory:")
	require.NoError(t, err)
	defer db.Close()

	spawner := newFakeSpawner(t.TempDir())
	var p *Pool
	var hooked []string
	p = New(db, spawner, fakeDialer(), Options{
		Host:         "runner-a",
		MaxSandboxes: 2,
		OnBeforeEvict: func(e *Entry) {
			hooked = append(hooked, e.SandboxID)
			if e.SandboxID == "sb-a" {
				p.MarkRunning("sb-a")
			}
		},
		Logger: testLogger(),
	})
	require.NoError(t, p.Init())

	a, err := p.Create(context.Background(), CreateParams{ID: "sb-a", SessionID: "sess-a", AgentName: "helper", AgentDir: t.TempDir()})
	require.NoError(t, err)
	_, err = p.Create(context.Background(), CreateParams{ID: "sb-b", SessionID: "sess-b", AgentName: "helper", AgentDir: t.TempDir()})
	require.NoError(t, err)
	p.MarkWaiting("sb-a")
	p.MarkWaiting("sb-b")
	a.LastUsedAt = time.Now().Add(-time.Hour) // sb-a is picked first

	_, err = p.Create(context.Background(), CreateParams{ID: "sb-c", SessionID: "sess-c", AgentName: "helper", AgentDir: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, []string{"sb-a", "sb-b"}, hooked)
	got, ok := p.Get("sb-a")
	require.True(t, ok, "the running sandbox must survive eviction")
	assert.True(t, got.Instance.Alive())
	_, ok = p.Get("sb-b")
	assert.False(t, ok)
}

func TestEvictionFailsWhenEveryVictimStartsRunning(t *testing.T) {
	db, err := store.New(":memory:")
	require.NoError(t, err)
	defer db.Close()

	spawner := newFakeSpawner(t.TempDir())
	var p *Pool
	p = New(db, spawner, fakeDialer(), Options{
		Host:         "runner-a",
		MaxSandboxes: 1,
		OnBeforeEvict: func(e *Entry) {
			p.MarkRunning(e.SandboxID)
		},
		Logger: testLogger(),
	})
	require.NoError(t, p.Init())

	_, err = p.Create(context.Background(), CreateParams{ID: "sb-a", SessionID: "sess-a", AgentName: "helper", AgentDir: t.TempDir()})
	require.NoError(t, err)
	p.MarkWaiting("sb-a")

	_, err = p.Create(context.Background(), CreateParams{ID: "sb-b", SessionID: "sess-b", AgentName: "helper", AgentDir: t.TempDir()})
	require.ErrorIs(t, err, ErrCapacityReached)

	_, ok := p.Get("sb-a")
	assert.True(t, ok)
}

func TestIdleSweepSparesEntryThatStartsRunning(t *testing.T) {
	db, err := store.New(":memory:")
	require.NoError(t, err)
	defer db.Close()

	spawner := newFakeSpawner(t.TempDir())
	var p *Pool
	p = New(db, spawner, fakeDialer(), Options{
		Host:         "runner-a",
		MaxSandboxes: 4,
		IdleTimeout:  time.Hour,
		OnBeforeEvict: func(e *Entry) {
			p.MarkRunning(e.SandboxID)
		},
		Logger: testLogger(),
	})
	require.NoError(t, p.Init())

	e, err := p.Create(context.Background(), CreateParams{ID: "sb-a", SessionID: "sess-a", AgentName: "helper", AgentDir: t.TempDir()})
	require.NoError(t, err)
	p.MarkWaiting("sb-a")
	e.LastUsedAt = time.Now().Add(-2 * time.Hour)

	p.sweepIdle(context.Background())

	got, ok := p.Get("sb-a")
	require.True(t, ok)
	assert.True(t, got.Instance.Alive())
}

func TestProcessLossDropsEntryAndNotifiesOwner(t *testing.T) {
	f := newFixture(t, 4)
	f.create(t, "sb-1", "sess-1")

	f.spawner.instance("sb-1").alive.Store(false)
	f.spawner.request("sb-1").OnOOM("sb-1")

	assert.Equal(t, []string{"sb-1:oom"}, f.lost)
	_, ok := f.pool.Get("sb-1")
	assert.False(t, ok)
	assert.Eventually(t, func() bool {
		return f.rowState(t, "sb-1") == store.SandboxCold
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStatsCounters(t *testing.T) {
	f := newFixture(t, 4)
	f.pool.RecordWarmHit()
	f.pool.RecordColdLocalHit()
	f.pool.RecordColdCloudHit()
	f.pool.RecordColdFreshHit()
	f.pool.RecordColdFreshHit()

	stats := f.pool.Stats()
	assert.Equal(t, int64(1), stats.ResumeWarmHits)
	assert.Equal(t, int64(1), stats.ColdLocalHits)
	assert.Equal(t, int64(1), stats.ColdCloudHits)
	assert.Equal(t, int64(2), stats.ColdFreshHits)
	assert.Equal(t, 4, stats.MaxSandboxes)
}
