// Package recovery resumes runs whose backend completes out of
// process. A periodic tick polls every open provider_poll job until the
// backend reports a terminal state, the attempt ceiling is reached, or
// the job proves unprocessable. Jobs survive process restarts; the
// payload blob in the store is the only state the scheduler needs.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/marcin/weft/internal/metrics"
	"github.com/marcin/weft/pkg/orchestrator"
	"github.com/marcin/weft/pkg/provider"
	"github.com/marcin/weft/pkg/store"
)

// MaxAttempts bounds how many poll cycles a job may consume before its
// run is failed. The ceiling substitutes for a wall-clock timeout since
// elapsed real time may span process restarts.
const MaxAttempts = 24

// Config wires the scheduler's collaborators.
type Config struct {
	Store    *store.Store
	Registry provider.Builder
	Runs     *orchestrator.Orchestrator
	// Interval is the polling cadence; defaults to 5s.
	Interval time.Duration
	// BatchSize bounds jobs per tick; defaults to 50.
	BatchSize int
	// Metrics may be nil.
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Scheduler is the system's only periodic background activity.
type Scheduler struct {
	store     *store.Store
	registry  provider.Builder
	runs      *orchestrator.Orchestrator
	interval  time.Duration
	batchSize int
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	cron    *cron.Cron
	ticking atomic.Bool
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	return &Scheduler{
		store:     cfg.Store,
		registry:  cfg.Registry,
		runs:      cfg.Runs,
		interval:  interval,
		batchSize: batchSize,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// Start begins periodic ticking.
func (s *Scheduler) Start() error {
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	c := cron.New()
	if _, err := c.AddFunc("@every "+s.interval.String(), func() {
		s.Tick(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule recovery tick: %w", err)
	}

	c.Start()
	s.cron = c

	s.logger.Info().Dur("interval", s.interval).Msg("Recovery scheduler started")
	return nil
}

// Stop halts ticking and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info().Msg("Recovery scheduler stopped")
}

// Tick processes one batch of open jobs. Single-flight: an invocation
// that overlaps a running tick is dropped, not queued.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Debug().Msg("Tick already in progress; skipping")
		return
	}
	defer s.ticking.Store(false)

	jobs, err := s.store.ListOpenJobs(ctx, store.JobKindProviderPoll, s.batchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load open jobs")
		return
	}

	for _, job := range jobs {
		// One job's failure never aborts the rest of the batch.
		if err := s.processJob(ctx, job); err != nil {
			s.logger.Error().Err(err).Str("jobId", job.ID).Msg("Job processing failed")
		}
	}
}

// processJob advances one job by a single poll cycle.
func (s *Scheduler) processJob(ctx context.Context, job *store.Job) error {
	payload, perr := store.DecodeJobPayload(job.Payload)
	if perr != nil {
		// Fail closed: an unparseable job is never retried.
		return s.failInvalidPayload(ctx, job, perr)
	}

	if job.Attempts >= MaxAttempts {
		reason := fmt.Sprintf("backend did not complete after %d polls", MaxAttempts)
		if err := s.runs.FinalizeRunFailed(ctx, payload.RunID, reason); err != nil {
			return err
		}
		return s.finishJob(ctx, job.ID, store.JobFailed, reason)
	}

	// Credentials may have been rotated or revoked since submission.
	adapter, err := s.registry.Build(payload.ProviderID)
	if err != nil {
		if ferr := s.runs.FinalizeRunFailed(ctx, payload.RunID, err.Error()); ferr != nil {
			return ferr
		}
		return s.finishJob(ctx, job.ID, store.JobFailed, err.Error())
	}
	backend, ok := adapter.(provider.AsyncBackend)
	if !ok {
		reason := fmt.Sprintf("provider %s is not asynchronous", payload.ProviderID)
		if err := s.runs.FinalizeRunFailed(ctx, payload.RunID, reason); err != nil {
			return err
		}
		return s.finishJob(ctx, job.ID, store.JobFailed, reason)
	}

	result, err := backend.PollAsync(ctx, payload.ResponseHandle)
	if err != nil {
		// Transport failure is the only transient branch: the run is
		// untouched and the next tick retries.
		s.logger.Warn().Err(err).Str("jobId", job.ID).Int("attempts", job.Attempts).Msg("Poll failed; will retry")
		s.observePoll("transport_error")
		return s.refresh(ctx, job.ID, payload, err.Error())
	}
	s.observePoll(string(result.Status))

	switch {
	case !result.Status.Terminal():
		payload.Status = string(result.Status)
		if result.Model != "" {
			payload.Model = result.Model
		}
		return s.refresh(ctx, job.ID, payload, "")

	case result.Status == provider.StatusSucceeded && strings.TrimSpace(result.Text) != "":
		model := payload.Model
		if result.Model != "" {
			model = result.Model
		}
		if err := s.runs.FinalizeRunCompleted(ctx, payload.RunID, result.Text, result.Usage, payload.ProviderID, model); err != nil {
			return err
		}
		s.logger.Info().Str("jobId", job.ID).Str("runId", payload.RunID).Msg("Asynchronous run completed")
		return s.finishJob(ctx, job.ID, store.JobCompleted, "")

	case result.Status == provider.StatusSucceeded:
		// An empty successful completion is an error, not a success.
		reason := "backend returned an empty completion"
		if err := s.runs.FinalizeRunFailed(ctx, payload.RunID, reason); err != nil {
			return err
		}
		return s.finishJob(ctx, job.ID, store.JobFailed, reason)

	default:
		reason := result.ErrorText
		if reason == "" {
			reason = "backend reported a failed completion"
		}
		if err := s.runs.FinalizeRunFailed(ctx, payload.RunID, reason); err != nil {
			return err
		}
		return s.finishJob(ctx, job.ID, store.JobFailed, reason)
	}
}

// failInvalidPayload fails a job whose payload cannot be trusted,
// finalizing the dependent run when its identifier is still readable.
func (s *Scheduler) failInvalidPayload(ctx context.Context, job *store.Job, perr error) error {
	s.logger.Error().Err(perr).Str("jobId", job.ID).Msg("Invalid job payload; failing closed")

	var partial store.JobPayload
	if json.Unmarshal([]byte(job.Payload), &partial) == nil && partial.RunID != "" {
		if err := s.runs.FinalizeRunFailed(ctx, partial.RunID, "background job payload was invalid"); err != nil {
			return err
		}
	}
	return s.finishJob(ctx, job.ID, store.JobFailed, perr.Error())
}

// refresh records a non-terminal poll cycle.
func (s *Scheduler) refresh(ctx context.Context, jobID string, payload *store.JobPayload, lastError string) error {
	payload.UpdatedAt = time.Now()
	blob, err := payload.Encode()
	if err != nil {
		return err
	}
	return s.store.RefreshJob(ctx, jobID, blob, lastError)
}

func (s *Scheduler) finishJob(ctx context.Context, jobID string, state store.JobState, lastError string) error {
	finished, err := s.store.FinishJob(ctx, jobID, state, lastError)
	if err != nil {
		return err
	}
	if !finished {
		s.logger.Warn().Str("jobId", jobID).Msg("Job was already terminal")
		return nil
	}
	if s.metrics != nil {
		s.metrics.JobsFinishedTotal.WithLabelValues(string(state)).Inc()
	}
	return nil
}

func (s *Scheduler) observePoll(outcome string) {
	if s.metrics != nil {
		s.metrics.JobPollsTotal.WithLabelValues(outcome).Inc()
	}
}
