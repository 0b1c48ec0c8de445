package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role enumerates message authorship roles.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one immutable conversation turn. Messages are ordered by a
// dense, strictly increasing per-session sequence number.
type Message struct {
	ID           string
	SessionID    string
	Seq          int64
	Role         Role
	Content      string
	InputTokens  *int64
	OutputTokens *int64
	CreatedAt    time.Time
}

// AppendMessage appends a message to the session with the next dense
// sequence number. The seq assignment and insert happen in one
// transaction so concurrent appends cannot leave gaps.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role Role, content string, inputTokens, outputTokens *int64) (*Message, error) {
	if role == "" {
		return nil, fmt.Errorf("message role is required")
	}

	msg := &Message{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Role:         role,
		Content:      content,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CreatedAt:    time.Now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM messages WHERE session_id = ?`, sessionID)
	if err := row.Scan(&msg.Seq); err != nil {
		return nil, fmt.Errorf("failed to allocate sequence number: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, role, content, input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Seq, msg.Role, msg.Content, msg.InputTokens, msg.OutputTokens, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	return msg, nil
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, seq, role, content, input_tokens, output_tokens, created_at
		 FROM messages WHERE id = ?`, id)

	msg := &Message{}
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.Role, &msg.Content,
		&msg.InputTokens, &msg.OutputTokens, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	return msg, nil
}

// ListMessages returns all messages of a session in sequence order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, role, content, input_tokens, output_tokens, created_at
		 FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.Role, &msg.Content,
			&msg.InputTokens, &msg.OutputTokens, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// CountMessages returns the number of messages in a session.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
