// Package toolexec runs single bounded shell-style tool invocations.
// Every invocation has a hard execution timeout and a combined-output
// cap so neither the model context nor the event payload grows with
// command verbosity.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/marcin/weft/internal/metrics"
)

// ToolName is the single tool the local line protocol defines.
const ToolName = "run_shell"

// Config bounds tool execution.
type Config struct {
	// Workspace is the default working directory; relative workdirs
	// resolve against it.
	Workspace string
	// Timeout is the hard execution bound per invocation.
	Timeout time.Duration
	// MaxOutputBytes caps the combined stdout+stderr surfaced to the
	// model and the event stream.
	MaxOutputBytes int
	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// Result is the outcome of one tool invocation.
type Result struct {
	Output    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Err       string
}

// Executor executes run_shell invocations.
type Executor struct {
	workspace string
	timeout   time.Duration
	maxOutput int
	schema    *gojsonschema.Schema
	metrics   *metrics.Metrics
}

const argsSchema = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["command"],
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"workdir": {"type": "string"}
	}
}`

// New creates an executor with the given bounds.
func New(cfg Config) (*Executor, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = 16 * 1024
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(argsSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile argument schema: %w", err)
	}

	return &Executor{
		workspace: cfg.Workspace,
		timeout:   timeout,
		maxOutput: maxOutput,
		schema:    schema,
		metrics:   cfg.Metrics,
	}, nil
}

// ArgsSchema returns the tool argument schema as a generic map, the
// shape tool-native backends expect in their tool definitions.
func ArgsSchema() map[string]interface{} {
	var m map[string]interface{}
	// The schema constant is known-valid; it compiled in New.
	_ = json.Unmarshal([]byte(argsSchema), &m)
	return m
}

// ValidateArgs checks a tool-call argument object against the schema.
func (e *Executor) ValidateArgs(args map[string]interface{}) error {
	result, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("argument validation failed: %w", err)
	}
	if !result.Valid() {
		details := []string{}
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(details, "; "))
	}
	return nil
}

// RunShell executes one shell command. The working directory defaults
// to the workspace; a relative workdir resolves against it and an
// absolute one passes through. Combined output is truncated at the
// configured cap. A timeout terminates the process and is reported in
// the result, not as an error.
func (e *Executor) RunShell(ctx context.Context, args map[string]interface{}) Result {
	if err := e.ValidateArgs(args); err != nil {
		return Result{Err: err.Error(), ExitCode: -1}
	}

	command := args["command"].(string)
	workdir := e.workspace
	if wd, ok := args["workdir"].(string); ok && wd != "" {
		if filepath.IsAbs(wd) {
			workdir = wd
		} else {
			workdir = filepath.Join(e.workspace, wd)
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = workdir

	start := time.Now()
	out, err := cmd.CombinedOutput()
	duration := time.Since(start)

	output, truncated := e.truncate(string(out))

	result := Result{
		Output:    output,
		Truncated: truncated,
	}

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		result.TimedOut = true
		result.ExitCode = -1
		result.Err = fmt.Sprintf("command timed out after %s", e.timeout)
	case ctx.Err() != nil:
		result.ExitCode = -1
		result.Err = "command cancelled"
	case err != nil:
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		result.Err = err.Error()
	}

	if e.metrics != nil {
		e.metrics.ToolExecutionsTotal.Inc()
		if result.TimedOut {
			e.metrics.ToolTimeoutsTotal.Inc()
		}
		if result.Truncated {
			e.metrics.ToolOutputTruncations.Inc()
		}
	}

	log.Debug().
		Str("command", command).
		Str("workdir", workdir).
		Dur("duration", duration).
		Int("exitCode", result.ExitCode).
		Bool("timedOut", result.TimedOut).
		Bool("truncated", result.Truncated).
		Msg("Tool execution finished")

	return result
}

// truncate caps combined output at the configured bound, backing up to
// a rune boundary so the cut never produces invalid UTF-8.
func (e *Executor) truncate(s string) (string, bool) {
	if len(s) <= e.maxOutput {
		return s, false
	}
	cut := e.maxOutput
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [output truncated]", true
}

// ModelText renders the result the way it is fed back to the model.
func (r Result) ModelText() string {
	if r.Err != "" && r.Output == "" {
		return fmt.Sprintf("error: %s", r.Err)
	}
	if r.Err != "" {
		return fmt.Sprintf("%s\nerror: %s", r.Output, r.Err)
	}
	return r.Output
}
