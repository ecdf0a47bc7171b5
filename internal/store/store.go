// Package store is the canonical, SQLite-backed state of the control plane:
// agents, sessions, sandboxes, runners, and the append-only session event
// log. In-memory structures (the pool's live map) are caches over this.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Session statuses.
const (
	SessionStarting = "starting"
	SessionActive   = "active"
	SessionPaused   = "paused"
	SessionEnded    = "ended"
	SessionError    = "error"
	SessionStopped  = "stopped"
)

// Sandbox states. The DB row is canonical; a live in-memory entry exists
// only for warming/warm/waiting/running.
const (
	SandboxCold    = "cold"
	SandboxWarming = "warming"
	SandboxWarm    = "warm"
	SandboxWaiting = "waiting"
	SandboxRunning = "running"
)

type Agent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Session struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	AgentName       string    `json:"agent_name"`
	SandboxID       string    `json:"sandbox_id,omitempty"` // hint, not a capability
	Status          string    `json:"status"`
	RunnerID        string    `json:"runner_id,omitempty"` // empty means local backend
	ParentSessionID string    `json:"parent_session_id,omitempty"`
	Config          string    `json:"config,omitempty"` // opaque JSON blob
	CreatedAt       time.Time `json:"created_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

type Sandbox struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	SessionID    string    `json:"session_id,omitempty"` // empty for pre-warmed
	AgentName    string    `json:"agent_name"`
	State        string    `json:"state"`
	Host         string    `json:"host"` // owning runner id
	WorkspaceDir string    `json:"workspace_dir"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

type Runner struct {
	ID              string    `json:"id"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	MaxSandboxes    int       `json:"max_sandboxes"`
	ActiveCount     int       `json:"active_count"`
	WarmingCount    int       `json:"warming_count"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

type SessionEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS agents (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	path       TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE(tenant_id, name)
);

CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	tenant_id         TEXT NOT NULL,
	agent_name        TEXT NOT NULL,
	sandbox_id        TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'starting',
	runner_id         TEXT,
	parent_session_id TEXT,
	config            TEXT,
	created_at        DATETIME NOT NULL,
	last_active_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_runner ON sessions(runner_id);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant_agent ON sessions(tenant_id, agent_name);

CREATE TABLE IF NOT EXISTS sandboxes (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL DEFAULT '',
	session_id    TEXT,
	agent_name    TEXT NOT NULL,
	state         TEXT NOT NULL DEFAULT 'warming',
	host          TEXT NOT NULL,
	workspace_dir TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	last_used_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sandboxes_host_state ON sandboxes(host, state);
CREATE INDEX IF NOT EXISTS idx_sandboxes_last_used ON sandboxes(last_used_at);

CREATE TABLE IF NOT EXISTS runners (
	id                TEXT PRIMARY KEY,
	host              TEXT NOT NULL,
	port              INTEGER NOT NULL,
	max_sandboxes     INTEGER NOT NULL,
	active_count      INTEGER NOT NULL DEFAULT 0,
	warming_count     INTEGER NOT NULL DEFAULT 0,
	last_heartbeat_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS session_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, id);
`

// isBusyLock reports whether err indicates SQLITE_BUSY, including wrapped
// errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// DefaultMaxOpenConns sizes the connection pool. WAL allows multiple
// readers + 1 writer.
const DefaultMaxOpenConns = 4

// dsnWithPragmas applies WAL, busy_timeout and perf pragmas on every new
// connection; the driver applies DSN pragmas per-connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func checkRowAffected(result sql.Result, what, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}
