package provider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/marcin/weft/internal/config"
	"github.com/marcin/weft/pkg/events"
)

// CLIAdapter drives a local command-line subprocess backend. The
// conversation transcript is written to the subprocess's stdin and the
// completion is read from its stdout. Cancellation of the run context
// kills the subprocess.
type CLIAdapter struct {
	id     string
	binary string
	args   []string
}

// NewCLIAdapter creates an adapter for the configured binary.
func NewCLIAdapter(cfg config.ProviderConfig) *CLIAdapter {
	return &CLIAdapter{
		id:     cfg.ID,
		binary: cfg.Binary,
		args:   cfg.Args,
	}
}

// ID returns the configured provider id.
func (p *CLIAdapter) ID() string { return p.id }

// Kind returns the provider kind.
func (p *CLIAdapter) Kind() config.ProviderKind { return config.ProviderCLI }

// TestConnection verifies the binary exists on PATH.
func (p *CLIAdapter) TestConnection(ctx context.Context) error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("backend binary not found: %s", p.binary)
	}
	return nil
}

// CompleteSync runs the subprocess once with the rendered transcript on
// stdin and returns its stdout as the completion.
func (p *CLIAdapter) CompleteSync(ctx context.Context, history []Message, cfg ModelConfig, emit events.Emitter) (*SyncResult, error) {
	args := append([]string{}, p.args...)
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}

	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Stdin = strings.NewReader(renderTranscript(cfg.SystemPrompt, history))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	emit.Emit(events.Event{Type: events.TypeStatus, Text: "generating"})

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("backend process failed: %s", detail)
	}

	text := strings.TrimSpace(stdout.String())
	if text == "" {
		return nil, fmt.Errorf("backend returned an empty completion")
	}

	emit.Emit(events.Event{Type: events.TypeTextDelta, Text: text})

	return &SyncResult{
		Text:  text,
		Model: cfg.Model,
	}, nil
}

// renderTranscript flattens the history into the plain-text prompt
// format CLI backends consume.
func renderTranscript(systemPrompt string, history []Message) string {
	var b strings.Builder

	if systemPrompt != "" {
		b.WriteString("[system]\n")
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}

	for _, msg := range history {
		b.WriteString("[")
		b.WriteString(msg.Role)
		b.WriteString("]\n")
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}

	b.WriteString("[assistant]\n")
	return b.String()
}
