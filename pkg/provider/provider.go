// Package provider models each text-generation backend as a
// capability-typed adapter: a concrete backend implements a subset of
// the capability interfaces below, and the orchestrator dispatches on
// which capabilities are present rather than on a type hierarchy.
//
// Failure modes are uniform across adapters: transport failure,
// non-success response status, and a malformed or empty successful
// response all surface as a single human-readable error. Adapters never
// leak structured backend error objects across this boundary.
package provider

import (
	"context"

	"github.com/marcin/weft/internal/config"
	"github.com/marcin/weft/pkg/events"
)

// Message is one turn of conversation history in the common shape every
// adapter translates from and to.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a backend-requested tool invocation.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDef describes a tool offered to a tool-native backend.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Usage tracks token consumption for one backend call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ModelConfig carries per-call model parameters.
type ModelConfig struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// SyncResult is the outcome of a synchronous or streaming completion.
type SyncResult struct {
	Text  string
	Model string
	Usage *Usage
}

// ToolTurnResult is one turn from a tool-native backend. The caller
// loops: execute ToolCalls, append AssistantTurn plus tool results to
// the history, and request the next turn until ToolCalls is empty.
type ToolTurnResult struct {
	Text          string
	ToolCalls     []ToolCall
	AssistantTurn Message
	Usage         *Usage
}

// PollStatus is the closed set every asynchronous backend's native
// status vocabulary is mapped onto. Nothing beyond this mapping assumes
// backend-specific status strings.
type PollStatus string

const (
	StatusQueued    PollStatus = "queued"
	StatusRunning   PollStatus = "running"
	StatusSucceeded PollStatus = "succeeded"
	StatusFailed    PollStatus = "failed"
)

// Terminal reports whether the status admits no further polling.
func (s PollStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// PollResult is one observation of an asynchronous backend operation.
type PollResult struct {
	Status    PollStatus
	Text      string
	Model     string
	ErrorText string
	Usage     *Usage
}

// Adapter is the base every backend implements.
type Adapter interface {
	ID() string
	Kind() config.ProviderKind
}

// ConnectionTester validates a credential during setup. Not on the hot
// path.
type ConnectionTester interface {
	TestConnection(ctx context.Context) error
}

// ModelLister enumerates the backend's model identifiers.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// SyncCompleter returns one completion, emitting status and text_delta
// events through emit as the backend produces them.
type SyncCompleter interface {
	CompleteSync(ctx context.Context, history []Message, cfg ModelConfig, emit events.Emitter) (*SyncResult, error)
}

// ToolTurnCompleter runs one native tool-calling turn. The caller owns
// the loop.
type ToolTurnCompleter interface {
	CompleteToolTurn(ctx context.Context, systemPrompt string, history []Message, tools []ToolDef, cfg ModelConfig) (*ToolTurnResult, error)
}

// AsyncBackend submits work whose completion happens out of process and
// polls it later, possibly from a different process than the one that
// submitted.
type AsyncBackend interface {
	SubmitAsync(ctx context.Context, history []Message, cfg ModelConfig) (handle string, err error)
	PollAsync(ctx context.Context, handle string) (*PollResult, error)
}
