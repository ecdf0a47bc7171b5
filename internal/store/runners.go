package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertRunner registers or refreshes a runner row. Idempotent across
// concurrent coordinators; the last write wins.
func (s *Store) UpsertRunner(id, host string, port, maxSandboxes int) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO runners (id, host, port, max_sandboxes, last_heartbeat_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   host = excluded.host,
			   port = excluded.port,
			   max_sandboxes = excluded.max_sandboxes,
			   last_heartbeat_at = excluded.last_heartbeat_at`,
			id, host, port, maxSandboxes, time.Now().UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("upserting runner: %w", err)
	}
	return nil
}

// UpdateRunnerStats records a heartbeat. Missing rows are not an error so a
// heartbeat racing a deregister stays idempotent.
func (s *Store) UpdateRunnerStats(id string, activeCount, warmingCount int) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`UPDATE runners SET active_count = ?, warming_count = ?, last_heartbeat_at = ? WHERE id = ?`,
			activeCount, warmingCount, time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating runner stats: %w", err)
	}
	return nil
}

func (s *Store) GetRunner(id string) (*Runner, error) {
	row := s.db.QueryRow(selectRunnerSQL+` WHERE id = ?`, id)
	return scanRunner(row)
}

func (s *Store) ListRunners() ([]*Runner, error) {
	rows, err := s.db.Query(selectRunnerSQL)
	if err != nil {
		return nil, fmt.Errorf("listing runners: %w", err)
	}
	defer rows.Close()

	var runners []*Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		runners = append(runners, r)
	}
	return runners, rows.Err()
}

// DeleteRunner removes the row. Deleting an already-deleted runner is not
// an error (concurrent coordinators both sweeping the same corpse).
func (s *Store) DeleteRunner(id string) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(`DELETE FROM runners WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting runner: %w", err)
	}
	return nil
}

const selectRunnerSQL = `SELECT id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at FROM runners`

func scanRunner(row scannable) (*Runner, error) {
	var r Runner
	err := row.Scan(&r.ID, &r.Host, &r.Port, &r.MaxSandboxes, &r.ActiveCount, &r.WarmingCount, &r.LastHeartbeatAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning runner: %w", err)
	}
	return &r, nil
}
