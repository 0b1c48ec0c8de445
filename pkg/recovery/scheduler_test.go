package recovery

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcin/weft/internal/config"
	"github.com/marcin/weft/pkg/orchestrator"
	"github.com/marcin/weft/pkg/provider"
	"github.com/marcin/weft/pkg/store"
)

// fakeAsync answers polls from a script, one result per call.
type fakeAsync struct {
	id      string
	results []pollOutcome

	mu    sync.Mutex
	calls int
}

type pollOutcome struct {
	result *provider.PollResult
	err    error
}

func (f *fakeAsync) ID() string                { return f.id }
func (f *fakeAsync) Kind() config.ProviderKind { return config.ProviderOpenAIBatch }

func (f *fakeAsync) SubmitAsync(context.Context, []provider.Message, provider.ModelConfig) (string, error) {
	return "handle", nil
}

func (f *fakeAsync) PollAsync(context.Context, string) (*provider.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.results) {
		return nil, fmt.Errorf("unscripted poll %d", f.calls)
	}
	outcome := f.results[f.calls]
	f.calls++
	return outcome.result, outcome.err
}

func (f *fakeAsync) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// syncOnly is an adapter without the asynchronous capability.
type syncOnly struct{ id string }

func (a syncOnly) ID() string                { return a.id }
func (a syncOnly) Kind() config.ProviderKind { return config.ProviderOllama }

type fakeBuilder struct {
	adapters map[string]provider.Adapter
}

func (b *fakeBuilder) Build(id string) (provider.Adapter, error) {
	adapter, ok := b.adapters[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", id)
	}
	return adapter, nil
}

func (b *fakeBuilder) DefaultModel(string) string { return "" }

type fixture struct {
	store     *store.Store
	scheduler *Scheduler
}

func setupScheduler(t *testing.T, builder provider.Builder) *fixture {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	runs := orchestrator.New(orchestrator.Config{
		Store:    s,
		Registry: builder,
		Logger:   zerolog.Nop(),
	})

	return &fixture{
		store: s,
		scheduler: New(Config{
			Store:    s,
			Registry: builder,
			Runs:     runs,
			Logger:   zerolog.Nop(),
		}),
	}
}

// seedAsyncRun persists a running run and its open poll job, the state
// an accepted asynchronous submission leaves behind.
func (f *fixture) seedAsyncRun(t *testing.T, providerID string) (*store.Run, *store.Job) {
	ctx := context.Background()

	sess, err := f.store.CreateSession(ctx, "", "New chat", providerID, "")
	require.NoError(t, err)

	run, err := f.store.CreateRun(ctx, sess.ID, "key-"+providerID+"-"+time.Now().Format("150405.000000"), "st_seed")
	require.NoError(t, err)

	userMsg, err := f.store.AppendMessage(ctx, sess.ID, store.RoleUser, "please summarize everything", nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.SetRunUserMessage(ctx, run.ID, userMsg.ID))

	payload := store.JobPayload{
		ResponseHandle: "handle",
		ProviderID:     providerID,
		SessionID:      sess.ID,
		RunID:          run.ID,
		IdempotencyKey: run.IdempotencyKey,
		Model:          "gpt-4o",
		Status:         string(provider.StatusQueued),
		UpdatedAt:      time.Now(),
	}
	blob, err := payload.Encode()
	require.NoError(t, err)

	job, err := f.store.CreateJob(ctx, store.JobKindProviderPoll, blob)
	require.NoError(t, err)

	return run, job
}

func TestScheduler_Tick(t *testing.T) {
	ctx := context.Background()

	t.Run("should refresh the job while the backend is still working", func(t *testing.T) {
		backend := &fakeAsync{id: "batch", results: []pollOutcome{
			{result: &provider.PollResult{Status: provider.StatusRunning}},
		}}
		f := setupScheduler(t, &fakeBuilder{adapters: map[string]provider.Adapter{"batch": backend}})
		run, job := f.seedAsyncRun(t, "batch")

		f.scheduler.Tick(ctx)

		loaded, err := f.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, store.JobRunning, loaded.State)
		assert.Equal(t, 1, loaded.Attempts)

		payload, err := store.DecodeJobPayload(loaded.Payload)
		require.NoError(t, err)
		assert.Equal(t, string(provider.StatusRunning), payload.Status)

		current, err := f.store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, store.RunRunning, current.Status)
	})

	t.Run("should complete the run when the backend succeeds", func(t *testing.T) {
		backend := &fakeAsync{id: "batch", results: []pollOutcome{
			{result: &provider.PollResult{
				Status: provider.StatusSucceeded,
				Text:   "the summary",
				Model:  "gpt-4o-2024",
				Usage:  &provider.Usage{InputTokens: 30, OutputTokens: 12},
			}},
		}}
		f := setupScheduler(t, &fakeBuilder{adapters: map[string]provider.Adapter{"batch": backend}})
		run, job := f.seedAsyncRun(t, "batch")

		f.scheduler.Tick(ctx)

		current, err := f.store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, store.RunCompleted, current.Status)
		require.True(t, current.AssistantMessageID.Valid)

		msg, err := f.store.GetMessage(ctx, current.AssistantMessageID.String)
		require.NoError(t, err)
		assert.Equal(t, "the summary", msg.Content)

		in, out, err := f.store.SessionUsage(ctx, current.SessionID)
		require.NoError(t, err)
		assert.Equal(t, int64(30), in)
		assert.Equal(t, int64(12), out)

		loaded, err := f.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, store.JobCompleted, loaded.State)
	})

	t.Run("should fail the run on an empty successful completion", func(t *testing.T) {
		backend := &fakeAsync{id: "batch", results: []pollOutcome{
			{result: &provider.PollResult{Status: provider.StatusSucceeded, Text: "   "}},
		}}
		f := setupScheduler(t, &fakeBuilder{adapters: map[string]provider.Adapter{"batch": backend}})
		run, job := f.seedAsyncRun(t, "batch")

		f.scheduler.Tick(ctx)

		current, err := f.store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, store.RunFailed, current.Status)
		assert.Contains(t, current.Error, "empty completion")

		loaded, err := f.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, store.JobFailed, loaded.State)
	})

	t.Run("should carry the backend error text on a failed completion", func(t *testing.T) {
		backend := &fakeAsync{id: "batch", results: []pollOutcome{
			{result: &provider.PollResult{Status: provider.StatusFailed, ErrorText: "batch expired"}},
		}}
		f := setupScheduler(t, &fakeBuilder{adapters: map[string]provider.Adapter{"batch": backend}})
		run, _ := f.seedAsyncRun(t, "batch")

		f.scheduler.Tick(ctx)

		current, err := f.store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, store.RunFailed, current.Status)
		assert.Equal(t, "batch expired", current.Error)
	})

	t.Run("should retry after a transport failure without touching the run", func(t *testing.T) {
		backend := &fakeAsync{id: "batch", results: []pollOutcome{
			{err: fmt.Errorf("connection refused")},
			{result: &provider.PollResult{Status: provider.StatusSucceeded, Text: "recovered"}},
		}}
		f := setupScheduler(t, &fakeBuilder{adapters: map[string]provider.Adapter{"batch": backend}})
		run, job := f.seedAsyncRun(t, "batch")

		f.scheduler.Tick(ctx)

		loaded, err := f.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, store.JobRunning, loaded.State)
		assert.Equal(t, "connection refused", loaded.LastError)

		current, err := f.store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, store.RunRunning, current.Status)

		// The next tick resolves it.
		f.scheduler.Tick(ctx)

		current, err = f.store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, store.RunCompleted, current.Status)
	})

	t.Run("should fail closed on a malformed payload", func(t *testing.T) {
		f := setupScheduler(t, &fakeBuilder{adapters: map[string]provider.Adapter{}})
		run, _ := f.seedAsyncRun(t, "batch")

		// A payload missing required fields but still naming the run.
		blob := fmt.Sprintf(`{"run_id": %q}`, run.ID)
		job, err := f.store.CreateJob(ctx, store.JobKindProviderPoll, blob)
		require.NoError(t, err)

		f.scheduler.Tick(ctx)

		loaded, err := f.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, store.JobFailed, loaded.State)

		current, err := f.store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, store.RunFailed, current.Status)
		assert.Equal(t, "background job payload was invalid", current.Error)
	})

	t.Run("should fail an unreadable payload without touching any run", func(t *testing.T) {
		f := setupScheduler(t, &fakeBuilder{adapters: map[string]provider.Adapter{}})

		job, err := f.store.CreateJob(ctx, store.JobKindProviderPoll, "not json")
		require.NoError(t, err)

		f.scheduler.Tick(ctx)

		loaded, err := f.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, store.JobFailed, loaded.State)
	})

	t.Run("should fail the run at the attempt ceiling", func(t *testing.T) {
		backend := &fakeAsync{id: "batch"}
		f := setupScheduler(t, &fakeBuilder{adapters: map[string]provider.Adapter{"batch": backend}})
		run, job := f.seedAsyncRun(t, "batch")

		for i := 0; i < MaxAttempts; i++ {
			require.NoError(t, f.store.RefreshJob(ctx, job.ID, job.Payload, ""))
		}

		f.scheduler.Tick(ctx)

		current, err := f.store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, store.RunFailed, current.Status)
		assert.Contains(t, current.Error, fmt.Sprintf("after %d polls", MaxAttempts))

		// The ceiling is checked before any poll.
		assert.Equal(t, 0, backend.pollCount())
	})

	t.Run("should fail the run when the provider is gone from configuration", func(t *testing.T) {
		f := setupScheduler(t, &fakeBuilder{adapters: map[string]provider.Adapter{}})
		run, job := f.seedAsyncRun(t, "batch")

		f.scheduler.Tick(ctx)

		current, err := f.store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, store.RunFailed, current.Status)
		assert.Contains(t, current.Error, "unknown provider")

		loaded, err := f.store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, store.JobFailed, loaded.State)
	})

	t.Run("should fail the run when the provider lost its asynchronous capability", func(t *testing.T) {
		f := setupScheduler(t, &fakeBuilder{adapters: map[string]provider.Adapter{"batch": syncOnly{id: "batch"}}})
		run, _ := f.seedAsyncRun(t, "batch")

		f.scheduler.Tick(ctx)

		current, err := f.store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, store.RunFailed, current.Status)
		assert.Contains(t, current.Error, "not asynchronous")
	})

	t.Run("should isolate one bad job from the rest of the batch", func(t *testing.T) {
		backend := &fakeAsync{id: "batch", results: []pollOutcome{
			{result: &provider.PollResult{Status: provider.StatusSucceeded, Text: "fine"}},
		}}
		f := setupScheduler(t, &fakeBuilder{adapters: map[string]provider.Adapter{"batch": backend}})

		_, err := f.store.CreateJob(ctx, store.JobKindProviderPoll, "garbage")
		require.NoError(t, err)
		run, _ := f.seedAsyncRun(t, "batch")

		f.scheduler.Tick(ctx)

		current, err := f.store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, store.RunCompleted, current.Status)
	})
}

func TestScheduler_SingleFlight(t *testing.T) {
	t.Run("should drop a tick that overlaps a running one", func(t *testing.T) {
		f := setupScheduler(t, &fakeBuilder{})

		require.True(t, f.scheduler.ticking.CompareAndSwap(false, true))
		defer f.scheduler.ticking.Store(false)

		// With a tick marked in flight, another invocation returns
		// without loading jobs; seed a job that would otherwise fail.
		_, err := f.store.CreateJob(context.Background(), store.JobKindProviderPoll, "garbage")
		require.NoError(t, err)

		f.scheduler.Tick(context.Background())

		job, err := f.store.ListOpenJobs(context.Background(), store.JobKindProviderPoll, 10)
		require.NoError(t, err)
		assert.Len(t, job, 1)
	})
}
