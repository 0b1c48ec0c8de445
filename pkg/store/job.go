package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState enumerates background job lifecycle states. State is
// monotonic except for running -> running refresh cycles; completed and
// failed are terminal.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job tracks an asynchronous backend operation across poll cycles and
// process restarts. The payload blob correlates the job with its run.
type Job struct {
	ID        string
	Kind      string
	State     JobState
	Payload   string
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateJob inserts a new pending job with the given payload blob.
func (s *Store) CreateJob(ctx context.Context, kind, payload string) (*Job, error) {
	job := &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		State:     JobPending,
		Payload:   payload,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, state, payload, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		job.ID, job.Kind, job.State, job.Payload, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return job, nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, state, payload, attempts, last_error, created_at, updated_at
		 FROM jobs WHERE id = ?`, id)

	job := &Job{}
	err := row.Scan(&job.ID, &job.Kind, &job.State, &job.Payload, &job.Attempts,
		&job.LastError, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	return job, nil
}

// ListOpenJobs returns jobs of the given kind in pending or running
// state, oldest first, bounded by limit.
func (s *Store) ListOpenJobs(ctx context.Context, kind string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, state, payload, attempts, last_error, created_at, updated_at
		 FROM jobs WHERE kind = ? AND state IN ('pending', 'running')
		 ORDER BY created_at ASC LIMIT ?`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job := &Job{}
		if err := rows.Scan(&job.ID, &job.Kind, &job.State, &job.Payload, &job.Attempts,
			&job.LastError, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// RefreshJob records a non-terminal poll cycle: payload is updated, the
// attempt counter advances, and the job stays (or becomes) running. The
// update is guarded so terminal jobs are never revived.
func (s *Store) RefreshJob(ctx context.Context, id, payload, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'running', payload = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		 WHERE id = ? AND state IN ('pending', 'running')`,
		payload, lastError, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to refresh job: %w", err)
	}
	return nil
}

// FinishJob transitions a job into a terminal state. Guarded on the job
// still being open; finished jobs are never re-processed.
func (s *Store) FinishJob(ctx context.Context, id string, state JobState, lastError string) (bool, error) {
	if state != JobCompleted && state != JobFailed {
		return false, fmt.Errorf("invalid terminal job state: %s", state)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND state IN ('pending', 'running')`,
		state, lastError, time.Now(), id)
	if err != nil {
		return false, fmt.Errorf("failed to finish job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read finish result: %w", err)
	}

	return n > 0, nil
}
