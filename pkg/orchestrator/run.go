package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marcin/weft/pkg/events"
	"github.com/marcin/weft/pkg/provider"
	"github.com/marcin/weft/pkg/store"
	"github.com/marcin/weft/pkg/toolexec"
)

// maxToolTurns bounds the native tool-calling loop the same way the
// line protocol bounds its executing loop.
const maxToolTurns = 24

// StartRun executes one run to a settled state. The user message is
// persisted before any backend call; the run finalizes exactly once
// through completed, cancelled-completed, or failed. For asynchronous
// backends the run is accepted and a background job carries it to
// completion later.
func (o *Orchestrator) StartRun(ctx context.Context, p StartParams) (*StartResult, error) {
	if p.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	if p.AccessMode == "" {
		p.AccessMode = AccessChat
	}

	// Persistence must survive the run context being cancelled.
	persistCtx := context.WithoutCancel(ctx)

	sess, err := o.resolveSession(persistCtx, p)
	if err != nil {
		return nil, err
	}

	// Resubmission with a known idempotency key replays the existing
	// run instead of executing again.
	if existing, err := o.store.GetRunByIdempotencyKey(persistCtx, sess.ID, p.IdempotencyKey); err == nil {
		o.logger.Info().
			Str("runId", existing.ID).
			Str("idempotencyKey", p.IdempotencyKey).
			Msg("Replaying run for duplicate submission")
		return o.replay(persistCtx, sess, existing)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	streamID := p.StreamID
	if streamID == "" {
		streamID = events.NewStreamID()
	}

	run, err := o.store.CreateRun(persistCtx, sess.ID, p.IdempotencyKey, streamID)
	if errors.Is(err, store.ErrDuplicateRun) {
		// Lost a race with a concurrent duplicate submission.
		existing, err := o.store.GetRunByIdempotencyKey(persistCtx, sess.ID, p.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		return o.replay(persistCtx, sess, existing)
	}
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	deregister := o.register(streamID, cancel)
	defer deregister()

	emit := newRunEmitter(o.sink, streamID, sess.ID)

	userMsg, err := o.store.AppendMessage(persistCtx, sess.ID, store.RoleUser, p.UserText, nil, nil)
	if err != nil {
		o.failRun(persistCtx, sess, run, err.Error(), emit)
		return nil, err
	}
	if err := o.store.SetRunUserMessage(persistCtx, run.ID, userMsg.ID); err != nil {
		o.failRun(persistCtx, sess, run, err.Error(), emit)
		return nil, err
	}

	result := &StartResult{
		Session:     sess,
		Run:         run,
		UserMessage: userMsg,
	}

	emit.status("started")

	o.logger.Info().
		Str("runId", run.ID).
		Str("sessionId", sess.ID).
		Str("streamId", streamID).
		Str("providerId", p.ProviderID).
		Str("accessMode", string(p.AccessMode)).
		Msg("Run started")

	adapter, err := o.registry.Build(p.ProviderID)
	if err != nil {
		// Configuration error: no backend call is attempted.
		result.AssistantMessage, err = o.finalizeFailure(persistCtx, sess, run, err.Error(), emit)
		if err != nil {
			return nil, err
		}
		return o.reload(persistCtx, result)
	}

	modelCfg := provider.ModelConfig{Model: p.Model}
	if modelCfg.Model == "" {
		modelCfg.Model = o.registry.DefaultModel(p.ProviderID)
	}

	history, err := o.history(persistCtx, sess.ID)
	if err != nil {
		o.failRun(persistCtx, sess, run, err.Error(), emit)
		return nil, err
	}

	// Asynchronous backends are accepted, not awaited. A background
	// job carries the run to completion across process restarts.
	if async, ok := adapter.(provider.AsyncBackend); ok {
		if err := o.submitAsync(runCtx, persistCtx, async, p.ProviderID, sess, run, history, modelCfg, emit); err != nil {
			result.AssistantMessage, err = o.finalizeFailure(persistCtx, sess, run, err.Error(), emit)
			if err != nil {
				return nil, err
			}
			return o.reload(persistCtx, result)
		}
		result.Accepted = true
		return result, nil
	}

	text, usage, runErr := o.execute(runCtx, adapter, p.AccessMode, history, modelCfg, emit)

	switch {
	case runErr == nil:
		result.AssistantMessage, err = o.finalizeSuccess(persistCtx, sess, run, p.UserText, text, usage, p.ProviderID, modelCfg.Model, emit)
	case runCtx.Err() != nil:
		result.AssistantMessage, err = o.finalizeCancelled(persistCtx, sess, run, emit.partialText(), emit)
	default:
		result.AssistantMessage, err = o.finalizeFailure(persistCtx, sess, run, runErr.Error(), emit)
	}
	if err != nil {
		return nil, err
	}

	return o.reload(persistCtx, result)
}

// resolveSession loads the addressed session or creates a fresh one.
func (o *Orchestrator) resolveSession(ctx context.Context, p StartParams) (*store.Session, error) {
	if p.SessionID != "" {
		return o.store.GetSession(ctx, p.SessionID)
	}
	return o.store.CreateSession(ctx, p.Workspace, placeholderTitle, p.ProviderID, p.Model)
}

// replay returns the persisted outcome of an existing run without
// re-executing it.
func (o *Orchestrator) replay(ctx context.Context, sess *store.Session, run *store.Run) (*StartResult, error) {
	result := &StartResult{
		Session:  sess,
		Run:      run,
		Accepted: run.Status == store.RunRunning,
	}

	if run.UserMessageID.Valid {
		msg, err := o.store.GetMessage(ctx, run.UserMessageID.String)
		if err != nil {
			return nil, err
		}
		result.UserMessage = msg
	}
	if run.AssistantMessageID.Valid {
		msg, err := o.store.GetMessage(ctx, run.AssistantMessageID.String)
		if err != nil {
			return nil, err
		}
		result.AssistantMessage = msg
	}

	return result, nil
}

// reload refreshes the run row after finalization so callers observe
// the terminal status.
func (o *Orchestrator) reload(ctx context.Context, result *StartResult) (*StartResult, error) {
	run, err := o.store.GetRun(ctx, result.Run.ID)
	if err != nil {
		return nil, err
	}
	result.Run = run
	return result, nil
}

// history maps the session transcript into the common adapter shape.
func (o *Orchestrator) history(ctx context.Context, sessionID string) ([]provider.Message, error) {
	messages, err := o.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	history := make([]provider.Message, 0, len(messages))
	for _, msg := range messages {
		history = append(history, provider.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return history, nil
}

// submitAsync hands the run to the backend and persists the poll job
// that will carry it to completion.
func (o *Orchestrator) submitAsync(runCtx, persistCtx context.Context, backend provider.AsyncBackend, providerID string, sess *store.Session, run *store.Run, history []provider.Message, cfg provider.ModelConfig, emit *runEmitter) error {
	handle, err := backend.SubmitAsync(runCtx, history, cfg)
	if err != nil {
		return err
	}

	payload := store.JobPayload{
		ResponseHandle: handle,
		ProviderID:     providerID,
		SessionID:      sess.ID,
		RunID:          run.ID,
		IdempotencyKey: run.IdempotencyKey,
		Model:          cfg.Model,
		Status:         string(provider.StatusQueued),
		UpdatedAt:      time.Now(),
	}
	blob, err := payload.Encode()
	if err != nil {
		return err
	}

	job, err := o.store.CreateJob(persistCtx, store.JobKindProviderPoll, blob)
	if err != nil {
		return err
	}

	o.logger.Info().
		Str("runId", run.ID).
		Str("jobId", job.ID).
		Str("handle", handle).
		Msg("Run accepted for asynchronous completion")

	if o.metrics != nil {
		o.metrics.RunsAsyncQueued.Inc()
	}

	emit.status("accepted")
	emit.finish()
	return nil
}

// execute dispatches on the adapter's capabilities and the requested
// access mode and returns the produced text.
func (o *Orchestrator) execute(ctx context.Context, adapter provider.Adapter, mode AccessMode, history []provider.Message, cfg provider.ModelConfig, emit *runEmitter) (string, *provider.Usage, error) {
	if mode == AccessTools {
		if toolNative, ok := adapter.(provider.ToolTurnCompleter); ok {
			return o.runToolNative(ctx, toolNative, history, cfg, emit)
		}
		if sync, ok := adapter.(provider.SyncCompleter); ok {
			outcome, err := o.interp.Run(ctx, sync, history, cfg, emit)
			if err != nil {
				return "", nil, err
			}
			emit.Emit(events.Event{Type: events.TypeTextDelta, Text: outcome.Text})
			return outcome.Text, outcome.Usage, nil
		}
		return "", nil, fmt.Errorf("provider %s does not support tool use", adapter.ID())
	}

	sync, ok := adapter.(provider.SyncCompleter)
	if !ok {
		return "", nil, fmt.Errorf("provider %s does not support synchronous completion", adapter.ID())
	}

	result, err := sync.CompleteSync(ctx, history, cfg, emit)
	if err != nil {
		return "", nil, err
	}
	return result.Text, result.Usage, nil
}

// runToolNative drives a tool-native backend: one turn at a time,
// executing requested tool calls and feeding results back until the
// backend answers without further calls.
func (o *Orchestrator) runToolNative(ctx context.Context, backend provider.ToolTurnCompleter, history []provider.Message, cfg provider.ModelConfig, emit *runEmitter) (string, *provider.Usage, error) {
	tools := []provider.ToolDef{{
		Name:        toolexec.ToolName,
		Description: "Run a shell command in the session workspace and return its combined output.",
		InputSchema: toolexec.ArgsSchema(),
	}}

	working := append([]provider.Message{}, history...)
	usage := &provider.Usage{}

	for turn := 0; turn < maxToolTurns; turn++ {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}

		result, err := backend.CompleteToolTurn(ctx, cfg.SystemPrompt, working, tools, cfg)
		if err != nil {
			return "", nil, err
		}
		if result.Usage != nil {
			usage.InputTokens += result.Usage.InputTokens
			usage.OutputTokens += result.Usage.OutputTokens
		}

		working = append(working, result.AssistantTurn)

		if len(result.ToolCalls) == 0 {
			emit.Emit(events.Event{Type: events.TypeTextDelta, Text: result.Text})
			return result.Text, usage, nil
		}

		for _, call := range result.ToolCalls {
			if ctx.Err() != nil {
				return "", nil, ctx.Err()
			}

			command, _ := call.Arguments["command"].(string)
			toolResult := o.tools.RunShell(ctx, call.Arguments)

			emit.Emit(events.Event{Type: events.TypeTrace, Trace: &events.Trace{
				Kind:       events.TraceAction,
				ActionKind: call.Name,
				Text:       fmt.Sprintf("$ %s\n%s", command, toolResult.ModelText()),
			}})

			working = append(working, provider.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    toolResult.ModelText(),
			})
		}
	}

	return "", nil, fmt.Errorf("exceeded tool turn budget")
}
