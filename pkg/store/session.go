package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates session lifecycle states.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
	SessionError    SessionStatus = "error"
)

// Session is a durable conversation container. Rows are never deleted;
// archiving only hides a session from the default listing.
type Session struct {
	ID           string
	Workspace    string
	Title        string
	ProviderID   string
	ModelProfile string
	Status       SessionStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateSession inserts a new active session.
func (s *Store) CreateSession(ctx context.Context, workspace, title, providerID, modelProfile string) (*Session, error) {
	sess := &Session{
		ID:           uuid.New().String(),
		Workspace:    workspace,
		Title:        title,
		ProviderID:   providerID,
		ModelProfile: modelProfile,
		Status:       SessionActive,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workspace, title, provider_id, model_profile, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Workspace, sess.Title, sess.ProviderID, sess.ModelProfile, sess.Status, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return sess, nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace, title, provider_id, model_profile, status, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)

	sess := &Session{}
	err := row.Scan(&sess.ID, &sess.Workspace, &sess.Title, &sess.ProviderID,
		&sess.ModelProfile, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return sess, nil
}

// ListSessions returns sessions, excluding archived ones unless
// includeArchived is set. Ordered newest first.
func (s *Store) ListSessions(ctx context.Context, includeArchived bool) ([]*Session, error) {
	query := `SELECT id, workspace, title, provider_id, model_profile, status, created_at, updated_at
	          FROM sessions`
	if !includeArchived {
		query += ` WHERE status != 'archived'`
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess := &Session{}
		if err := rows.Scan(&sess.ID, &sess.Workspace, &sess.Title, &sess.ProviderID,
			&sess.ModelProfile, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	return sessions, rows.Err()
}

// UpdateSessionTitle sets the session title.
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session title: %w", err)
	}
	return nil
}

// UpdateSessionStatus transitions the session status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// ArchiveSession marks a session archived. The row is kept.
func (s *Store) ArchiveSession(ctx context.Context, id string) error {
	return s.UpdateSessionStatus(ctx, id, SessionArchived)
}

// TouchSession bumps the session's updated_at so listings sort by
// recent activity.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now(), id)
	return err
}
