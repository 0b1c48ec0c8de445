package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunStatus enumerates assistant run lifecycle states.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one assistant execution triggered by one user message. The
// (session, idempotency key) pair is unique; a resubmission with the
// same key returns the existing run instead of creating a second one.
type Run struct {
	ID                 string
	SessionID          string
	IdempotencyKey     string
	StreamID           string
	Status             RunStatus
	UserMessageID      sql.NullString
	AssistantMessageID sql.NullString
	Error              string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// CreateRun inserts a new running run. Returns ErrDuplicateRun when the
// idempotency key is already taken for the session.
func (s *Store) CreateRun(ctx context.Context, sessionID, idempotencyKey, streamID string) (*Run, error) {
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}

	run := &Run{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		IdempotencyKey: idempotencyKey,
		StreamID:       streamID,
		Status:         RunRunning,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, idempotency_key, stream_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.IdempotencyKey, run.StreamID, run.Status, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateRun
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return run, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	return s.getRunWhere(ctx, `id = ?`, id)
}

// GetRunByIdempotencyKey loads the run for a (session, key) pair.
func (s *Store) GetRunByIdempotencyKey(ctx context.Context, sessionID, key string) (*Run, error) {
	return s.getRunWhere(ctx, `session_id = ? AND idempotency_key = ?`, sessionID, key)
}

func (s *Store) getRunWhere(ctx context.Context, where string, args ...interface{}) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, idempotency_key, stream_id, status, user_message_id, assistant_message_id, error, created_at, updated_at
		 FROM runs WHERE `+where, args...)

	run := &Run{}
	err := row.Scan(&run.ID, &run.SessionID, &run.IdempotencyKey, &run.StreamID, &run.Status,
		&run.UserMessageID, &run.AssistantMessageID, &run.Error, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	return run, nil
}

// SetRunUserMessage links the persisted user message to the run.
func (s *Store) SetRunUserMessage(ctx context.Context, runID, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET user_message_id = ?, updated_at = ? WHERE id = ?`,
		messageID, time.Now(), runID)
	if err != nil {
		return fmt.Errorf("failed to link user message: %w", err)
	}
	return nil
}

// FinishRun transitions a run out of the running state exactly once.
// The update is guarded on status = 'running'; a finalize attempt on an
// already-terminal run reports finished=false and changes nothing.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, assistantMessageID, errText string) (bool, error) {
	if status != RunCompleted && status != RunFailed {
		return false, fmt.Errorf("invalid terminal run status: %s", status)
	}

	var msgID interface{}
	if assistantMessageID != "" {
		msgID = assistantMessageID
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, assistant_message_id = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		status, msgID, errText, time.Now(), runID)
	if err != nil {
		return false, fmt.Errorf("failed to finish run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read finish result: %w", err)
	}

	return n > 0, nil
}
