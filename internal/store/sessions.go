// ABOUTME: Admin session persistence backing issued bearer tokens
// ABOUTME: DeleteExpiredSessions is the hourly token-cleanup entry point

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateAdminSession inserts a new session record.
func (s *SQLiteStore) CreateAdminSession(ctx context.Context, session *AdminSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_sessions (id, subject, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`,
		session.ID, session.Subject,
		session.CreatedAt.UTC().Format(time.RFC3339),
		session.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting admin session: %w", err)
	}

	s.logger.Debug("created admin session", "id", session.ID, "subject", session.Subject)
	return nil
}

// GetAdminSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetAdminSession(ctx context.Context, id string) (*AdminSession, error) {
	var sess AdminSession
	var createdStr, expiresStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject, created_at, expires_at FROM admin_sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.Subject, &createdStr, &expiresStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying admin session: %w", err)
	}

	sess.CreatedAt, err = time.Parse(time.RFC3339, createdStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	sess.ExpiresAt, err = time.Parse(time.RFC3339, expiresStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return &sess, nil
}

// DeleteExpiredSessions removes sessions whose expiry is at or before now.
// Returns the number of sessions removed.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM admin_sessions WHERE expires_at <= ?
	`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		s.logger.Debug("deleted expired sessions", "count", rows)
	}
	return int(rows), nil
}
