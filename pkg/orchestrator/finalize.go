package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/marcin/weft/pkg/provider"
	"github.com/marcin/weft/pkg/store"
)

const (
	// placeholderTitle is the title a session carries until a real
	// one is derived from its content.
	placeholderTitle = "New chat"
	// cancellationNotice stands in for the assistant message when a
	// run is cancelled before any text was produced.
	cancellationNotice = "Generation was cancelled before a reply was produced."
	// cancelledAnnotation marks a cancelled-but-completed run.
	cancelledAnnotation = "cancelled by user"
)

// finalizeSuccess persists the assistant message, completes the run,
// records usage, and opportunistically titles the session. No-ops when
// the run is already terminal.
func (o *Orchestrator) finalizeSuccess(ctx context.Context, sess *store.Session, run *store.Run, userText, text string, usage *provider.Usage, providerID, model string, emit *runEmitter) (*store.Message, error) {
	if done, msg, err := o.alreadyFinal(ctx, run, emit); done || err != nil {
		return msg, err
	}

	var inTokens, outTokens *int64
	if usage != nil {
		in, out := usage.InputTokens, usage.OutputTokens
		inTokens, outTokens = &in, &out
	}

	msg, err := o.store.AppendMessage(ctx, run.SessionID, store.RoleAssistant, text, inTokens, outTokens)
	if err != nil {
		return nil, err
	}

	finished, err := o.store.FinishRun(ctx, run.ID, store.RunCompleted, msg.ID, "")
	if err != nil {
		return nil, err
	}
	if !finished {
		o.logger.Warn().Str("runId", run.ID).Msg("Run finalized concurrently; completion message is unlinked")
		if emit != nil {
			emit.finish()
		}
		return msg, nil
	}

	if usage != nil {
		if err := o.store.RecordUsage(ctx, store.UsageEvent{
			SessionID:    run.SessionID,
			RunID:        run.ID,
			ProviderID:   providerID,
			Model:        model,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		}); err != nil {
			o.logger.Error().Err(err).Str("runId", run.ID).Msg("Failed to record usage")
		}
	}

	o.maybeTitle(ctx, sess, userText)
	o.touch(ctx, run.SessionID)

	if o.metrics != nil {
		o.metrics.ObserveRun(providerID, string(store.RunCompleted), time.Since(run.CreatedAt).Seconds())
		if usage != nil {
			o.metrics.ObserveTokens(providerID, usage.InputTokens, usage.OutputTokens)
		}
	}

	o.logger.Info().Str("runId", run.ID).Str("messageId", msg.ID).Msg("Run completed")
	if emit != nil {
		emit.finish()
	}
	return msg, nil
}

// finalizeCancelled completes a cancelled run with the partial text, or
// a fixed notice when nothing was produced. Cancellation is a completed
// run carrying an error annotation, not a failed one.
func (o *Orchestrator) finalizeCancelled(ctx context.Context, sess *store.Session, run *store.Run, partial string, emit *runEmitter) (*store.Message, error) {
	if done, msg, err := o.alreadyFinal(ctx, run, emit); done || err != nil {
		return msg, err
	}

	content := partial
	if strings.TrimSpace(content) == "" {
		content = cancellationNotice
	}

	msg, err := o.store.AppendMessage(ctx, run.SessionID, store.RoleAssistant, content, nil, nil)
	if err != nil {
		return nil, err
	}

	finished, err := o.store.FinishRun(ctx, run.ID, store.RunCompleted, msg.ID, cancelledAnnotation)
	if err != nil {
		return nil, err
	}
	if !finished {
		o.logger.Warn().Str("runId", run.ID).Msg("Run finalized concurrently; cancellation message is unlinked")
	}

	o.touch(ctx, run.SessionID)

	if o.metrics != nil {
		o.metrics.RunsCancelled.Inc()
		o.metrics.ObserveRun(sess.ProviderID, string(store.RunCompleted), time.Since(run.CreatedAt).Seconds())
	}

	o.logger.Info().Str("runId", run.ID).Msg("Run cancelled")
	if emit != nil {
		emit.status("cancelled")
		emit.finish()
	}
	return msg, nil
}

// finalizeFailure persists a failure notice and fails the run.
func (o *Orchestrator) finalizeFailure(ctx context.Context, sess *store.Session, run *store.Run, reason string, emit *runEmitter) (*store.Message, error) {
	if done, msg, err := o.alreadyFinal(ctx, run, emit); done || err != nil {
		return msg, err
	}

	msg, err := o.store.AppendMessage(ctx, run.SessionID, store.RoleAssistant, "The run failed: "+reason, nil, nil)
	if err != nil {
		return nil, err
	}

	finished, err := o.store.FinishRun(ctx, run.ID, store.RunFailed, msg.ID, reason)
	if err != nil {
		return nil, err
	}
	if !finished {
		o.logger.Warn().Str("runId", run.ID).Msg("Run finalized concurrently; failure message is unlinked")
	}

	o.touch(ctx, run.SessionID)

	if o.metrics != nil {
		o.metrics.ObserveRun(sess.ProviderID, string(store.RunFailed), time.Since(run.CreatedAt).Seconds())
	}

	o.logger.Error().Str("runId", run.ID).Str("reason", reason).Msg("Run failed")
	if emit != nil {
		emit.errorf(reason)
		emit.finish()
	}
	return msg, nil
}

// failRun settles a run whose own persistence failed mid-flight so it
// cannot stay running forever. When the failure path itself cannot
// persist its notice, this degrades to a bare status transition with no
// linked message.
func (o *Orchestrator) failRun(ctx context.Context, sess *store.Session, run *store.Run, reason string, emit *runEmitter) {
	_, err := o.finalizeFailure(ctx, sess, run, reason, emit)
	if err == nil {
		return
	}
	o.logger.Error().Err(err).Str("runId", run.ID).Msg("Failure finalization failed; forcing the status transition")

	if _, ferr := o.store.FinishRun(ctx, run.ID, store.RunFailed, "", reason); ferr != nil {
		o.logger.Error().Err(ferr).Str("runId", run.ID).Msg("Run could not be settled")
	}
	if emit != nil {
		emit.errorf(reason)
		emit.finish()
	}
}

// alreadyFinal reports whether the run reached a terminal state through
// another path, returning its linked assistant message if one exists.
func (o *Orchestrator) alreadyFinal(ctx context.Context, run *store.Run, emit *runEmitter) (bool, *store.Message, error) {
	current, err := o.store.GetRun(ctx, run.ID)
	if err != nil {
		return false, nil, err
	}
	if current.Status == store.RunRunning {
		return false, nil, nil
	}

	o.logger.Debug().Str("runId", run.ID).Str("status", string(current.Status)).Msg("Skipping finalize of terminal run")
	if emit != nil {
		emit.finish()
	}

	if !current.AssistantMessageID.Valid {
		return true, nil, nil
	}
	msg, err := o.store.GetMessage(ctx, current.AssistantMessageID.String)
	if err != nil {
		return true, nil, nil
	}
	return true, msg, nil
}

// FinalizeRunCompleted settles a run resolved out of process, applying
// the same completion semantics as a synchronous success.
func (o *Orchestrator) FinalizeRunCompleted(ctx context.Context, runID, text string, usage *provider.Usage, providerID, model string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunRunning {
		return nil
	}

	sess, err := o.store.GetSession(ctx, run.SessionID)
	if err != nil {
		return err
	}

	userText := ""
	if run.UserMessageID.Valid {
		if m, err := o.store.GetMessage(ctx, run.UserMessageID.String); err == nil {
			userText = m.Content
		}
	}

	_, err = o.finalizeSuccess(ctx, sess, run, userText, text, usage, providerID, model, nil)
	return err
}

// FinalizeRunFailed fails a run resolved out of process.
func (o *Orchestrator) FinalizeRunFailed(ctx context.Context, runID, reason string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != store.RunRunning {
		return nil
	}

	sess, err := o.store.GetSession(ctx, run.SessionID)
	if err != nil {
		return err
	}

	_, err = o.finalizeFailure(ctx, sess, run, reason, nil)
	return err
}

// maybeTitle derives a session title from the triggering user text when
// the current title is still the placeholder.
func (o *Orchestrator) maybeTitle(ctx context.Context, sess *store.Session, userText string) {
	if sess.Title != "" && sess.Title != placeholderTitle {
		return
	}

	title := deriveTitle(userText)
	if title == "" {
		return
	}

	if err := o.store.UpdateSessionTitle(ctx, sess.ID, title); err != nil {
		o.logger.Warn().Err(err).Str("sessionId", sess.ID).Msg("Failed to update session title")
		return
	}
	sess.Title = title
}

// boilerplate greetings never become titles.
var boilerplateTitles = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "test": {}, "thanks": {}, "ok": {},
}

// deriveTitle condenses the first line of the user text into a short
// session title, or returns empty for boilerplate content.
func deriveTitle(userText string) string {
	line := userText
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.Join(strings.Fields(line), " ")

	if len(line) < 4 {
		return ""
	}
	if _, ok := boilerplateTitles[strings.ToLower(strings.TrimRight(line, ".!?"))]; ok {
		return ""
	}

	runes := []rune(line)
	if len(runes) > 64 {
		line = strings.TrimSpace(string(runes[:64])) + "..."
	}
	return line
}

func (o *Orchestrator) touch(ctx context.Context, sessionID string) {
	if err := o.store.TouchSession(ctx, sessionID); err != nil {
		o.logger.Warn().Err(err).Str("sessionId", sessionID).Msg("Failed to touch session")
	}
}
