package store

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) InsertSandbox(sb *Sandbox) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO sandboxes (id, tenant_id, session_id, agent_name, state, host, workspace_dir, created_at, last_used_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sb.ID, sb.TenantID, nullIfEmpty(sb.SessionID), sb.AgentName, sb.State,
			sb.Host, sb.WorkspaceDir, sb.CreatedAt.UTC(), sb.LastUsedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting sandbox: %w", err)
	}
	return nil
}

func (s *Store) GetSandbox(id string) (*Sandbox, error) {
	row := s.db.QueryRow(selectSandboxSQL+` WHERE id = ?`, id)
	return scanSandbox(row)
}

// UpdateSandboxState updates state and bumps last_used_at.
func (s *Store) UpdateSandboxState(id, state string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sandboxes SET state = ?, last_used_at = ? WHERE id = ?`,
			state, time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating sandbox state: %w", err)
	}
	return checkRowAffected(result, "sandbox", id)
}

// UpdateSandboxSession binds a sandbox to a session (pre-warm adoption).
func (s *Store) UpdateSandboxSession(id, sessionID string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sandboxes SET session_id = ?, last_used_at = ? WHERE id = ?`,
			nullIfEmpty(sessionID), time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating sandbox session: %w", err)
	}
	return checkRowAffected(result, "sandbox", id)
}

func (s *Store) DeleteSandbox(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM sandboxes WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting sandbox: %w", err)
	}
	return checkRowAffected(result, "sandbox", id)
}

// CountSandboxesByHost counts every row owned by host, live and cold; the
// pool's capacity check runs against this.
func (s *Store) CountSandboxesByHost(host string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sandboxes WHERE host = ?`, host).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting sandboxes: %w", err)
	}
	return n, nil
}

// OldestColdSandbox returns the cold row on host with the oldest
// last_used_at, or nil.
func (s *Store) OldestColdSandbox(host string) (*Sandbox, error) {
	row := s.db.QueryRow(
		selectSandboxSQL+` WHERE host = ? AND state = ? ORDER BY last_used_at ASC LIMIT 1`,
		host, SandboxCold,
	)
	return scanSandbox(row)
}

// ListColdSandboxesBefore returns cold rows on host unused since cutoff.
func (s *Store) ListColdSandboxesBefore(host string, cutoff time.Time) ([]*Sandbox, error) {
	rows, err := s.db.Query(
		selectSandboxSQL+` WHERE host = ? AND state = ? AND last_used_at <= ?`,
		host, SandboxCold, cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing cold sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxes(rows)
}

// MarkHostSandboxesCold flips every row owned by host to cold. Run on clean
// startup: no live process survives a host restart.
func (s *Store) MarkHostSandboxesCold(host string) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(`UPDATE sandboxes SET state = ? WHERE host = ?`, SandboxCold, host)
		return e
	})
	if err != nil {
		return fmt.Errorf("marking host sandboxes cold: %w", err)
	}
	return nil
}

const selectSandboxSQL = `SELECT id, tenant_id, session_id, agent_name, state, host, workspace_dir, created_at, last_used_at FROM sandboxes`

func scanSandbox(row scannable) (*Sandbox, error) {
	var sb Sandbox
	var sessionID sql.NullString
	err := row.Scan(
		&sb.ID, &sb.TenantID, &sessionID, &sb.AgentName, &sb.State,
		&sb.Host, &sb.WorkspaceDir, &sb.CreatedAt, &sb.LastUsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sandbox: %w", err)
	}
	sb.SessionID = sessionID.String
	return &sb, nil
}

func scanSandboxes(rows *sql.Rows) ([]*Sandbox, error) {
	var sandboxes []*Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		sandboxes = append(sandboxes, sb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sandboxes: %w", err)
	}
	return sandboxes, nil
}
