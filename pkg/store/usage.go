package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageEvent records token consumption for one run.
type UsageEvent struct {
	ID           string
	SessionID    string
	RunID        string
	ProviderID   string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CreatedAt    time.Time
}

// RecordUsage appends a usage event.
func (s *Store) RecordUsage(ctx context.Context, ev UsageEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_events (id, session_id, run_id, provider_id, model, input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.RunID, ev.ProviderID, ev.Model, ev.InputTokens, ev.OutputTokens, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	return nil
}

// SessionUsage sums token usage across a session.
func (s *Store) SessionUsage(ctx context.Context, sessionID string) (input, output int64, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_events WHERE session_id = ?`, sessionID)
	if err := row.Scan(&input, &output); err != nil {
		return 0, 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return input, output, nil
}
