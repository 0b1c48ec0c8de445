package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKindProviderPoll tags jobs that poll an asynchronous backend.
const JobKindProviderPoll = "provider_poll"

// JobPayload is the persisted correlation blob of a provider_poll job.
// The shape must stay backward-readable: decoding tolerates unknown
// fields, but a missing required field makes the payload invalid and
// the job fails closed.
type JobPayload struct {
	ResponseHandle string    `json:"response_handle"`
	ProviderID     string    `json:"provider_id"`
	SessionID      string    `json:"session_id"`
	RunID          string    `json:"run_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Model          string    `json:"model"`
	Status         string    `json:"status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate checks the required correlation fields.
func (p *JobPayload) Validate() error {
	if p.ResponseHandle == "" {
		return fmt.Errorf("payload missing response_handle")
	}
	if p.ProviderID == "" {
		return fmt.Errorf("payload missing provider_id")
	}
	if p.SessionID == "" {
		return fmt.Errorf("payload missing session_id")
	}
	if p.RunID == "" {
		return fmt.Errorf("payload missing run_id")
	}
	if p.IdempotencyKey == "" {
		return fmt.Errorf("payload missing idempotency_key")
	}
	return nil
}

// Encode serializes the payload for storage.
func (p *JobPayload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode job payload: %w", err)
	}
	return string(data), nil
}

// DecodeJobPayload parses and validates a stored payload blob.
func DecodeJobPayload(blob string) (*JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return nil, fmt.Errorf("malformed job payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
