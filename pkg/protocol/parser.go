package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrViolation marks a model turn that does not match any accepted
// token shape. Violations are rejected and the loop continues; they are
// bounded by the shared iteration budget, not specially penalized.
var ErrViolation = errors.New("protocol violation")

// TurnKind identifies the accepted token shapes.
type TurnKind string

const (
	TurnPlan     TurnKind = "PLAN"
	TurnToolCall TurnKind = "TOOL_CALL"
	TurnStepDone TurnKind = "STEP_DONE"
	TurnFinal    TurnKind = "FINAL"
)

// Turn is one parsed model turn. Exactly one of the payload fields is
// set, matching Kind.
type Turn struct {
	Kind      TurnKind
	PlanSteps []string
	ToolName  string
	ToolArgs  map[string]interface{}
	StepIndex int
	StepNote  string
	Final     string
}

type planPayload struct {
	Steps []string `json:"steps"`
}

type toolCallPayload struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type stepDonePayload struct {
	Index *int   `json:"index"`
	Note  string `json:"note"`
}

type finalPayload struct {
	Message string `json:"message"`
}

// ParseTurn extracts the single protocol token from a model turn. The
// token must be the first non-empty line; anything else is a violation.
func ParseTurn(text string) (*Turn, error) {
	line := firstNonEmptyLine(text)
	if line == "" {
		return nil, fmt.Errorf("%w: empty turn", ErrViolation)
	}

	keyword, payload, found := strings.Cut(line, " ")
	if !found {
		return nil, fmt.Errorf("%w: missing payload on %q", ErrViolation, keyword)
	}

	switch TurnKind(keyword) {
	case TurnPlan:
		var p planPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("%w: malformed PLAN payload", ErrViolation)
		}
		if len(p.Steps) == 0 {
			return nil, fmt.Errorf("%w: PLAN has no steps", ErrViolation)
		}
		return &Turn{Kind: TurnPlan, PlanSteps: p.Steps}, nil

	case TurnToolCall:
		var p toolCallPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("%w: malformed TOOL_CALL payload", ErrViolation)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("%w: TOOL_CALL has no name", ErrViolation)
		}
		return &Turn{Kind: TurnToolCall, ToolName: p.Name, ToolArgs: p.Arguments}, nil

	case TurnStepDone:
		var p stepDonePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("%w: malformed STEP_DONE payload", ErrViolation)
		}
		if p.Index == nil {
			return nil, fmt.Errorf("%w: STEP_DONE has no index", ErrViolation)
		}
		return &Turn{Kind: TurnStepDone, StepIndex: *p.Index, StepNote: p.Note}, nil

	case TurnFinal:
		var p finalPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("%w: malformed FINAL payload", ErrViolation)
		}
		if p.Message == "" {
			return nil, fmt.Errorf("%w: FINAL has no message", ErrViolation)
		}
		return &Turn{Kind: TurnFinal, Final: p.Message}, nil

	default:
		return nil, fmt.Errorf("%w: unrecognized token %q", ErrViolation, keyword)
	}
}

func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
