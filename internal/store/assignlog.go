// ABOUTME: Assignment log entity and store methods for auditing allocator mutations
// ABOUTME: Append-only; one entry per successful claim/release/transfer/exile

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAssignmentLog appends a new entry to the assignment log.
// Generates ID and Timestamp if not set. Entries are never updated or
// deleted.
func (s *SQLiteStore) AppendAssignmentLog(ctx context.Context, e *AssignmentLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignment_log (id, city_id, agent_id, actor, reason, kind, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.CityID, e.AgentID, e.Actor, e.Reason, string(e.Kind),
		e.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting assignment log entry: %w", err)
	}

	s.logger.Debug("appended assignment log",
		"id", e.ID,
		"kind", e.Kind,
		"city_id", e.CityID,
		"agent_id", e.AgentID,
		"actor", e.Actor,
	)
	return nil
}

// ListAssignmentLog returns log entries for a city, newest first.
// If cityID is empty, entries for all cities are returned.
// If limit is 0 or negative, a default limit of 100 is used (capped at 1000).
func (s *SQLiteStore) ListAssignmentLog(ctx context.Context, cityID string, limit int) ([]*AssignmentLogEntry, error) {
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}

	query := `
		SELECT id, city_id, agent_id, actor, reason, kind, ts
		FROM assignment_log
		WHERE (? = '' OR city_id = ?)
		ORDER BY ts DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, cityID, cityID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying assignment log: %w", err)
	}
	defer rows.Close()

	var entries []*AssignmentLogEntry
	for rows.Next() {
		var e AssignmentLogEntry
		var kind, tsStr string

		if err := rows.Scan(&e.ID, &e.CityID, &e.AgentID, &e.Actor, &e.Reason, &kind, &tsStr); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}

		e.Kind = ActionKind(kind)
		e.Timestamp, err = time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing log timestamp: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating log entries: %w", err)
	}
	return entries, nil
}
