// Package protocol imposes a deterministic text-line protocol on
// backends without native tool calling, making their tool use parseable
// and boundable. The state machine is
//
//	Start -> Planning -> Executing -> AwaitingFinal -> Terminal
//
// with a plan-attempt budget, a step ceiling, and an iteration ceiling
// so a misbehaving model can never loop forever.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/marcin/weft/pkg/events"
	"github.com/marcin/weft/pkg/provider"
	"github.com/marcin/weft/pkg/toolexec"
	"github.com/rs/zerolog"
)

const (
	// MaxPlanAttempts bounds how often an invalid first turn is
	// re-requested before the run fails.
	MaxPlanAttempts = 2
	// MaxPlanSteps bounds the checklist length.
	MaxPlanSteps = 12
	// MaxIterations bounds the executing loop.
	MaxIterations = 24
)

// ErrStepBudgetExceeded ends a loop that never reached FINAL.
var ErrStepBudgetExceeded = errors.New("exceeded step budget")

// ErrPlanRejected ends a run whose model never produced a valid plan.
var ErrPlanRejected = errors.New("model failed to produce a valid plan")

const systemPrompt = `You are operating under a strict line protocol. Reply with exactly one token per turn, on the first line, nothing before it.

Your first turn must be:
PLAN {"steps": ["step one", "step two", ...]}
with at most 12 steps.

After the plan is accepted, each turn must be exactly one of:
TOOL_CALL {"name": "run_shell", "arguments": {"command": "...", "workdir": "..."}}
STEP_DONE {"index": 0, "note": "what was accomplished"}
FINAL {"message": "your complete answer"}

Tool results come back as a TOOL_RESULT message. FINAL is only accepted once every plan step has been marked done with STEP_DONE.`

// Outcome is the produced text of a successful loop.
type Outcome struct {
	Text  string
	Usage *provider.Usage
}

// Interpreter drives the strict-protocol agentic loop over a plain
// completer, using the shell executor for TOOL_CALL turns.
type Interpreter struct {
	tools  *toolexec.Executor
	logger zerolog.Logger
}

// NewInterpreter creates an interpreter.
func NewInterpreter(tools *toolexec.Executor, logger zerolog.Logger) *Interpreter {
	return &Interpreter{
		tools:  tools,
		logger: logger,
	}
}

// checklist tracks plan step completion.
type checklist struct {
	steps []string
	done  []bool
}

func (c *checklist) complete() bool {
	for _, d := range c.done {
		if !d {
			return false
		}
	}
	return true
}

func (c *checklist) remaining() int {
	n := 0
	for _, d := range c.done {
		if !d {
			n++
		}
	}
	return n
}

// Run executes the full protocol loop and returns the FINAL message.
// Cancellation surfaces as ctx.Err(); budget exhaustion as
// ErrStepBudgetExceeded; a model that cannot plan as ErrPlanRejected.
func (i *Interpreter) Run(ctx context.Context, completer provider.SyncCompleter, history []provider.Message, cfg provider.ModelConfig, emit events.Emitter) (*Outcome, error) {
	cfg.SystemPrompt = systemPrompt

	// Protocol turns are control traffic; raw deltas never reach the
	// outward stream.
	discard := events.EmitterFunc(func(events.Event) {})

	working := append([]provider.Message{}, history...)
	usage := &provider.Usage{}

	// Planning.
	list, planTurn, err := i.plan(ctx, completer, working, cfg, usage, discard)
	if err != nil {
		return nil, err
	}
	working = append(working, provider.Message{Role: "assistant", Content: planTurn})

	emit.Emit(events.Event{Type: events.TypeTrace, Trace: &events.Trace{
		Kind: events.TracePlan,
		Text: strings.Join(list.steps, "\n"),
	}})

	// Executing.
	for iteration := 0; iteration < MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		result, err := completer.CompleteSync(ctx, working, cfg, discard)
		if err != nil {
			return nil, err
		}
		accumulate(usage, result.Usage)
		working = append(working, provider.Message{Role: "assistant", Content: result.Text})

		turn, err := ParseTurn(result.Text)
		if err != nil {
			i.logger.Debug().Int("iteration", iteration).Err(err).Msg("Protocol violation")
			working = append(working, reject(err.Error()))
			continue
		}

		switch turn.Kind {
		case TurnToolCall:
			working = append(working, i.handleToolCall(ctx, turn, emit))

		case TurnStepDone:
			if turn.StepIndex < 0 || turn.StepIndex >= len(list.steps) {
				working = append(working, reject(fmt.Sprintf("STEP_DONE index %d is out of range", turn.StepIndex)))
				continue
			}
			list.done[turn.StepIndex] = true
			emit.Emit(events.Event{Type: events.TypeTrace, Trace: &events.Trace{
				Kind: events.TracePlan,
				Text: fmt.Sprintf("step %d done: %s", turn.StepIndex, turn.StepNote),
			}})
			working = append(working, provider.Message{Role: "user", Content: "ACK"})

		case TurnFinal:
			if !list.complete() {
				working = append(working, reject(fmt.Sprintf("FINAL rejected: %d plan steps are incomplete; finish them first", list.remaining())))
				continue
			}
			return &Outcome{Text: turn.Final, Usage: usage}, nil

		default:
			// A PLAN after planning is just another violation.
			working = append(working, reject("PLAN is only accepted as the first turn"))
		}
	}

	return nil, ErrStepBudgetExceeded
}

// plan requests the first model turn until a valid PLAN arrives or the
// attempt budget is spent.
func (i *Interpreter) plan(ctx context.Context, completer provider.SyncCompleter, working []provider.Message, cfg provider.ModelConfig, usage *provider.Usage, discard events.Emitter) (*checklist, string, error) {
	attempts := working

	for attempt := 1; attempt <= MaxPlanAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}

		result, err := completer.CompleteSync(ctx, attempts, cfg, discard)
		if err != nil {
			return nil, "", err
		}
		accumulate(usage, result.Usage)

		turn, err := ParseTurn(result.Text)
		if err == nil && turn.Kind == TurnPlan && len(turn.PlanSteps) <= MaxPlanSteps {
			return &checklist{
				steps: turn.PlanSteps,
				done:  make([]bool, len(turn.PlanSteps)),
			}, result.Text, nil
		}

		reason := "first turn must be a single valid PLAN line"
		if err == nil && turn.Kind == TurnPlan {
			reason = fmt.Sprintf("PLAN may have at most %d steps", MaxPlanSteps)
		} else if err != nil {
			reason = err.Error()
		}

		i.logger.Debug().Int("attempt", attempt).Str("reason", reason).Msg("Plan rejected")
		attempts = append(attempts,
			provider.Message{Role: "assistant", Content: result.Text},
			reject(reason),
		)
	}

	return nil, "", ErrPlanRejected
}

// handleToolCall executes a TOOL_CALL turn and produces the
// TOOL_RESULT message fed back to the model.
func (i *Interpreter) handleToolCall(ctx context.Context, turn *Turn, emit events.Emitter) provider.Message {
	if turn.ToolName != toolexec.ToolName {
		return reject(fmt.Sprintf("unknown tool %q; only %q is defined", turn.ToolName, toolexec.ToolName))
	}

	result := i.tools.RunShell(ctx, turn.ToolArgs)

	command, _ := turn.ToolArgs["command"].(string)
	emit.Emit(events.Event{Type: events.TypeTrace, Trace: &events.Trace{
		Kind:       events.TraceAction,
		ActionKind: toolexec.ToolName,
		Text:       fmt.Sprintf("$ %s\n%s", command, result.ModelText()),
	}})

	return provider.Message{Role: "user", Content: "TOOL_RESULT " + result.ModelText()}
}

// reject frames a corrective message for a rejected turn.
func reject(reason string) provider.Message {
	return provider.Message{Role: "user", Content: "REJECTED " + reason}
}

func accumulate(total, add *provider.Usage) {
	if add == nil {
		return
	}
	total.InputTokens += add.InputTokens
	total.OutputTokens += add.OutputTokens
}
