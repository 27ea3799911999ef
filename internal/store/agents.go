// ABOUTME: Agent persistence methods including the one-way exile transition
// ABOUTME: MarkAgentExiled is conditional so overlapping sweeps cannot double-exile

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const agentColumns = `id, name, secret_hash, lat, lng, territory_state, city_id, last_heartbeat, created_at`

// CreateAgent inserts a new agent record.
// Returns ErrDuplicateAgent if the id is already taken.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, secret_hash, lat, lng, territory_state, city_id, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		agent.ID, agent.Name, agent.SecretHash, agent.Lat, agent.Lng,
		string(agent.State), agent.CityID,
		agent.LastHeartbeat.UTC().Format(time.RFC3339),
		agent.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "name", agent.Name)
	return nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// TouchHeartbeat updates the agent's last-heartbeat timestamp.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) TouchHeartbeat(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_heartbeat = ? WHERE id = ?
	`, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating heartbeat: %w", err)
	}
	return requireRow(result)
}

// UpdateAgentPosition sets the agent's current coordinates.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgentPosition(ctx context.Context, id string, lat, lng float64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET lat = ?, lng = ? WHERE id = ?
	`, lat, lng, id)
	if err != nil {
		return fmt.Errorf("updating position: %w", err)
	}
	return requireRow(result)
}

// SetAgentCity records city ownership on the agent side and moves the
// agent to the holding state. The write is conditional on the agent being
// unassigned with no city reference: of two concurrent claims by the same
// agent, exactly one observes RowsAffected == 1. Exiled and already-holding
// agents never transition.
func (s *SQLiteStore) SetAgentCity(ctx context.Context, agentID, cityID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET city_id = ?, territory_state = ?
		WHERE id = ? AND territory_state = ? AND city_id IS NULL
	`, cityID, string(TerritoryHolding), agentID, string(TerritoryUnassigned))
	if err != nil {
		return false, fmt.Errorf("setting agent city: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows == 1, nil
}

// ClearAgentCity drops the agent's city reference and returns it to
// unassigned. Exiled agents are excluded by the WHERE clause; their state
// tag never changes again.
func (s *SQLiteStore) ClearAgentCity(ctx context.Context, agentID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET city_id = NULL, territory_state = ?
		WHERE id = ? AND territory_state != ?
	`, string(TerritoryUnassigned), agentID, string(TerritoryExiled))
	if err != nil {
		return fmt.Errorf("clearing agent city: %w", err)
	}
	return requireRow(result)
}

// MarkAgentExiled performs the terminal transition. The state guard in the
// WHERE clause makes the write conditional: of any number of concurrent
// sweeps, exactly one observes RowsAffected == 1 for a given agent.
func (s *SQLiteStore) MarkAgentExiled(ctx context.Context, agentID string, lat, lng float64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents SET territory_state = ?, city_id = NULL, lat = ?, lng = ?
		WHERE id = ? AND territory_state != ?
	`, string(TerritoryExiled), lat, lng, agentID, string(TerritoryExiled))
	if err != nil {
		return false, fmt.Errorf("marking agent exiled: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rows == 0 {
		return false, nil
	}

	s.logger.Debug("exiled agent", "agent_id", agentID, "lat", lat, "lng", lng)
	return true, nil
}

// ListAgentsInactiveSince returns non-exiled agents whose last heartbeat is
// older than cutoff, ordered oldest first.
func (s *SQLiteStore) ListAgentsInactiveSince(ctx context.Context, cutoff time.Time) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE last_heartbeat < ? AND territory_state != ?
		ORDER BY last_heartbeat ASC
	`, cutoff.UTC().Format(time.RFC3339), string(TerritoryExiled))
	if err != nil {
		return nil, fmt.Errorf("querying inactive agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// scanAgent scans a row into an Agent.
func scanAgent(scanner interface{ Scan(dest ...any) error }) (*Agent, error) {
	var a Agent
	var state, heartbeatStr, createdStr string
	var cityID sql.NullString

	err := scanner.Scan(
		&a.ID, &a.Name, &a.SecretHash, &a.Lat, &a.Lng,
		&state, &cityID, &heartbeatStr, &createdStr,
	)
	if err != nil {
		return nil, err
	}

	a.State = TerritoryState(state)
	if cityID.Valid {
		a.CityID = &cityID.String
	}

	a.LastHeartbeat, err = time.Parse(time.RFC3339, heartbeatStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
	}
	a.CreatedAt, err = time.Parse(time.RFC3339, createdStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &a, nil
}
