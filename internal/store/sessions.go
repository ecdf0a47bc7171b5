package store

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) CreateSession(sess *Session) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO sessions (id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, config, created_at, last_active_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.TenantID, sess.AgentName, sess.SandboxID, sess.Status,
			nullIfEmpty(sess.RunnerID), nullIfEmpty(sess.ParentSessionID), nullIfEmpty(sess.Config),
			sess.CreatedAt.UTC(), sess.LastActiveAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(selectSessionSQL+` WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns a tenant's sessions, optionally filtered by agent.
func (s *Store) ListSessions(tenantID, agentName string) ([]*Session, error) {
	query := selectSessionSQL + ` WHERE tenant_id = ?`
	args := []any{tenantID}
	if agentName != "" {
		query += ` AND agent_name = ?`
		args = append(args, agentName)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListSessionsByRunner returns every session bound to the given runner.
func (s *Store) ListSessionsByRunner(runnerID string) ([]*Session, error) {
	rows, err := s.db.Query(selectSessionSQL+` WHERE runner_id = ?`, runnerID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions by runner: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) UpdateSessionStatus(id, status string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, status, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return checkRowAffected(result, "session", id)
}

// UpdateSessionBinding rebinds the session to a sandbox and runner. An
// empty runnerID stores NULL (local backend).
func (s *Store) UpdateSessionBinding(id, sandboxID, runnerID string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sessions SET sandbox_id = ?, runner_id = ? WHERE id = ?`,
			sandboxID, nullIfEmpty(runnerID), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating session binding: %w", err)
	}
	return checkRowAffected(result, "session", id)
}

func (s *Store) TouchSession(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`UPDATE sessions SET last_active_at = ? WHERE id = ?`, time.Now().UTC(), id)
		return e
	})
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return checkRowAffected(result, "session", id)
}

func (s *Store) AppendSessionEvent(sessionID, kind string, payload []byte) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO session_events (session_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
			sessionID, kind, string(payload), time.Now().UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("appending session event: %w", err)
	}
	return nil
}

func (s *Store) ListSessionEvents(sessionID string) ([]*SessionEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, kind, payload, created_at
		 FROM session_events WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing session events: %w", err)
	}
	defer rows.Close()

	var events []*SessionEvent
	for rows.Next() {
		var ev SessionEvent
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Kind, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning session event: %w", err)
		}
		ev.Payload = payload.String
		events = append(events, &ev)
	}
	return events, rows.Err()
}

const selectSessionSQL = `SELECT id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, config, created_at, last_active_at FROM sessions`

func scanSession(row scannable) (*Session, error) {
	var sess Session
	var runnerID, parentID, cfg sql.NullString
	err := row.Scan(
		&sess.ID, &sess.TenantID, &sess.AgentName, &sess.SandboxID, &sess.Status,
		&runnerID, &parentID, &cfg, &sess.CreatedAt, &sess.LastActiveAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.RunnerID = runnerID.String
	sess.ParentSessionID = parentID.String
	sess.Config = cfg.String
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
