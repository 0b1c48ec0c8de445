package toolexec

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupExecutor(t *testing.T, cfg Config) *Executor {
	if cfg.Workspace == "" {
		cfg.Workspace = t.TempDir()
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestExecutor_RunShell(t *testing.T) {
	ctx := context.Background()

	t.Run("should capture stdout and a zero exit code", func(t *testing.T) {
		e := setupExecutor(t, Config{})

		result := e.RunShell(ctx, map[string]interface{}{"command": "echo hello"})

		assert.Equal(t, "hello\n", result.Output)
		assert.Equal(t, 0, result.ExitCode)
		assert.False(t, result.TimedOut)
		assert.Empty(t, result.Err)
	})

	t.Run("should report a non-zero exit code", func(t *testing.T) {
		e := setupExecutor(t, Config{})

		result := e.RunShell(ctx, map[string]interface{}{"command": "exit 3"})

		assert.Equal(t, 3, result.ExitCode)
		assert.NotEmpty(t, result.Err)
	})

	t.Run("should combine stdout and stderr", func(t *testing.T) {
		e := setupExecutor(t, Config{})

		result := e.RunShell(ctx, map[string]interface{}{"command": "echo out; echo err 1>&2"})

		assert.Contains(t, result.Output, "out")
		assert.Contains(t, result.Output, "err")
	})

	t.Run("should run in the workspace by default", func(t *testing.T) {
		ws := t.TempDir()
		e := setupExecutor(t, Config{Workspace: ws})

		result := e.RunShell(ctx, map[string]interface{}{"command": "pwd"})

		resolved, err := filepath.EvalSymlinks(ws)
		require.NoError(t, err)
		assert.Equal(t, resolved, strings.TrimSpace(result.Output))
	})

	t.Run("should resolve a relative workdir against the workspace", func(t *testing.T) {
		ws := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(ws, "sub"), 0o755))
		e := setupExecutor(t, Config{Workspace: ws})

		result := e.RunShell(ctx, map[string]interface{}{"command": "pwd", "workdir": "sub"})

		assert.True(t, strings.HasSuffix(strings.TrimSpace(result.Output), "/sub"))
	})

	t.Run("should pass an absolute workdir through", func(t *testing.T) {
		other := t.TempDir()
		e := setupExecutor(t, Config{})

		result := e.RunShell(ctx, map[string]interface{}{"command": "pwd", "workdir": other})

		resolved, err := filepath.EvalSymlinks(other)
		require.NoError(t, err)
		assert.Equal(t, resolved, strings.TrimSpace(result.Output))
	})

	t.Run("should terminate a command at the timeout", func(t *testing.T) {
		e := setupExecutor(t, Config{Timeout: 100 * time.Millisecond})

		start := time.Now()
		result := e.RunShell(ctx, map[string]interface{}{"command": "sleep 5"})

		assert.Less(t, time.Since(start), 2*time.Second)
		assert.True(t, result.TimedOut)
		assert.Equal(t, -1, result.ExitCode)
		assert.Contains(t, result.Err, "timed out")
	})

	t.Run("should truncate oversized output", func(t *testing.T) {
		e := setupExecutor(t, Config{MaxOutputBytes: 64})

		result := e.RunShell(ctx, map[string]interface{}{"command": "yes x | head -n 200"})

		assert.True(t, result.Truncated)
		assert.Contains(t, result.Output, "[output truncated]")
		assert.LessOrEqual(t, len(result.Output), 64+len("\n... [output truncated]"))
	})

	t.Run("should not split a rune when truncating", func(t *testing.T) {
		e := setupExecutor(t, Config{MaxOutputBytes: 64})

		// Each line is 3 bytes, so the cap lands inside a 2-byte rune.
		result := e.RunShell(ctx, map[string]interface{}{"command": "yes α | head -n 60"})

		assert.True(t, result.Truncated)
		assert.True(t, utf8.ValidString(result.Output))
		assert.Contains(t, result.Output, "[output truncated]")
	})

	t.Run("should reject invalid arguments without executing", func(t *testing.T) {
		e := setupExecutor(t, Config{})

		tests := []struct {
			name string
			args map[string]interface{}
		}{
			{"missing command", map[string]interface{}{"workdir": "sub"}},
			{"empty command", map[string]interface{}{"command": ""}},
			{"unknown property", map[string]interface{}{"command": "true", "shell": "bash"}},
			{"wrong type", map[string]interface{}{"command": 42}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				result := e.RunShell(ctx, tt.args)
				assert.Equal(t, -1, result.ExitCode)
				assert.NotEmpty(t, result.Err)
				assert.Empty(t, result.Output)
			})
		}
	})
}

func TestArgsSchema(t *testing.T) {
	schema := ArgsSchema()

	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "command")
	assert.Contains(t, props, "workdir")
}

func TestResult_ModelText(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		want   string
	}{
		{"output only", Result{Output: "files"}, "files"},
		{"error only", Result{Err: "boom"}, "error: boom"},
		{"output and error", Result{Output: "partial", Err: "exit status 1"}, "partial\nerror: exit status 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.result.ModelText())
		})
	}
}
