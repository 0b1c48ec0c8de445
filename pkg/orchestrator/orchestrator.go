// Package orchestrator turns one user message into a durable,
// resumable assistant run. It owns the per-run cancellation token,
// dispatches to the selected provider adapter by capability, persists
// the conversation record around the backend call, and emits the
// normalized event stream. Finalization is exactly-once: every settle
// path goes through a guarded status transition in the store.
package orchestrator

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/marcin/weft/internal/metrics"
	"github.com/marcin/weft/pkg/events"
	"github.com/marcin/weft/pkg/protocol"
	"github.com/marcin/weft/pkg/provider"
	"github.com/marcin/weft/pkg/store"
	"github.com/marcin/weft/pkg/toolexec"
)

// AccessMode selects how much the backend is allowed to do in a run.
type AccessMode string

const (
	// AccessChat is a plain completion with no tool use.
	AccessChat AccessMode = "chat"
	// AccessTools allows shell tool use, natively or through the
	// local line protocol depending on adapter capability.
	AccessTools AccessMode = "tools"
)

// Config wires the orchestrator's collaborators.
type Config struct {
	Store       *store.Store
	Registry    provider.Builder
	Tools       *toolexec.Executor
	Interpreter *protocol.Interpreter
	// Sink receives every normalized event, already tagged with
	// stream and session identifiers. May be nil.
	Sink events.Emitter
	// Metrics may be nil.
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Orchestrator is the top-level per-request state machine.
type Orchestrator struct {
	store    *store.Store
	registry provider.Builder
	tools    *toolexec.Executor
	interp   *protocol.Interpreter
	sink     events.Emitter
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	sink := cfg.Sink
	if sink == nil {
		sink = events.EmitterFunc(func(events.Event) {})
	}
	return &Orchestrator{
		store:    cfg.Store,
		registry: cfg.Registry,
		tools:    cfg.Tools,
		interp:   cfg.Interpreter,
		sink:     sink,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// StartParams describes one run request.
type StartParams struct {
	// SessionID selects an existing session; empty creates one.
	SessionID string
	// Workspace seeds a newly created session and is the default
	// working directory for tool execution.
	Workspace string
	// ProviderID selects the configured backend.
	ProviderID string
	// Model overrides the provider's configured model when set.
	Model string
	// AccessMode defaults to AccessChat.
	AccessMode AccessMode
	// UserText is the user message that triggers the run.
	UserText string
	// IdempotencyKey deduplicates resubmissions within the session.
	IdempotencyKey string
	// StreamID tags the run's event stream; generated when empty.
	StreamID string
}

// StartResult is the settled outcome of StartRun.
type StartResult struct {
	Session     *store.Session
	Run         *store.Run
	UserMessage *store.Message
	// AssistantMessage is nil when the run was accepted for
	// asynchronous completion or replayed before one was written.
	AssistantMessage *store.Message
	// Accepted marks an asynchronous run whose completion arrives
	// later through the recovery scheduler.
	Accepted bool
}

// Cancel signals the cancellation token of an active run. Unknown
// stream identifiers are a no-op.
func (o *Orchestrator) Cancel(streamID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[streamID]
	o.mu.Unlock()

	if !ok {
		return false
	}

	o.logger.Info().Str("streamId", streamID).Msg("Cancelling run")
	cancel()
	return true
}

// register installs the run's cancel func under its stream id and
// returns the matching deregistration.
func (o *Orchestrator) register(streamID string, cancel context.CancelFunc) func() {
	o.mu.Lock()
	o.cancels[streamID] = cancel
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.cancels, streamID)
		o.mu.Unlock()
		cancel()
	}
}
