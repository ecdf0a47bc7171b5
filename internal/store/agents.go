package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertAgent registers an agent deploy. A re-deploy of an existing
// (tenant, name) keeps the id stable and bumps the version.
func (s *Store) UpsertAgent(tenantID, name, path string) (*Agent, error) {
	now := time.Now().UTC()
	existing, err := s.GetAgent(tenantID, name)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		var result sql.Result
		err := retryOnBusy(func() error {
			var e error
			result, e = s.db.Exec(
				`UPDATE agents SET version = version + 1, path = ?, updated_at = ? WHERE id = ?`,
				path, now, existing.ID,
			)
			return e
		})
		if err != nil {
			return nil, fmt.Errorf("updating agent: %w", err)
		}
		if err := checkRowAffected(result, "agent", existing.ID); err != nil {
			return nil, err
		}
		return s.GetAgent(tenantID, name)
	}

	agent := &Agent{
		ID:        uuid.New().String()[:12],
		TenantID:  tenantID,
		Name:      name,
		Version:   1,
		Path:      path,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO agents (id, tenant_id, name, version, path, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			agent.ID, agent.TenantID, agent.Name, agent.Version, agent.Path,
			agent.CreatedAt, agent.UpdatedAt,
		)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("inserting agent: %w", err)
	}
	return agent, nil
}

func (s *Store) GetAgent(tenantID, name string) (*Agent, error) {
	row := s.db.QueryRow(
		`SELECT id, tenant_id, name, version, path, created_at, updated_at
		 FROM agents WHERE tenant_id = ? AND name = ?`, tenantID, name,
	)
	return scanAgent(row)
}

func (s *Store) ListAgents(tenantID string) ([]*Agent, error) {
	rows, err := s.db.Query(
		`SELECT id, tenant_id, name, version, path, created_at, updated_at
		 FROM agents WHERE tenant_id = ? ORDER BY name`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes the agent row. Sessions are not cascaded; they run
// until ended.
func (s *Store) DeleteAgent(tenantID, name string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM agents WHERE tenant_id = ? AND name = ?`, tenantID, name)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	return checkRowAffected(result, "agent", name)
}

func scanAgent(row scannable) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.Version, &a.Path, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	return &a, nil
}
