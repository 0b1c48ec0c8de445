package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcin/weft/internal/config"
	"github.com/marcin/weft/pkg/events"
	"github.com/marcin/weft/pkg/secret"
	"github.com/marcin/weft/pkg/toolexec"
)

var discard = events.EmitterFunc(func(events.Event) {})

func TestPollStatus_Terminal(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestAnthropicAdapter_BuildParams(t *testing.T) {
	t.Run("should carry required fields from a JSON-decoded schema", func(t *testing.T) {
		adapter := NewAnthropicAdapter(config.ProviderConfig{ID: "claude"}, "sk-test")
		tools := []ToolDef{{
			Name:        toolexec.ToolName,
			Description: "run a shell command",
			InputSchema: toolexec.ArgsSchema(),
		}}

		params, err := adapter.buildParams([]Message{{Role: "user", Content: "hi"}}, tools, ModelConfig{Model: "claude-sonnet-4-5"})
		require.NoError(t, err)

		require.Len(t, params.Tools, 1)
		assert.Equal(t, []string{"command"}, params.Tools[0].OfTool.InputSchema.Required)
	})
}

func TestRegistry(t *testing.T) {
	providers := []config.ProviderConfig{
		{ID: "claude", Kind: config.ProviderAnthropic, SecretRef: "env:WEFT_TEST_ANTHROPIC_KEY", Model: "claude-sonnet-4-5"},
		{ID: "local", Kind: config.ProviderOllama, BaseURL: "http://localhost:11434", Model: "llama3"},
		{ID: "shell", Kind: config.ProviderCLI, Binary: "cat"},
	}
	registry := NewRegistry(providers, secret.Chain{secret.EnvStore{}})

	t.Run("should build an adapter of the configured kind", func(t *testing.T) {
		t.Setenv("WEFT_TEST_ANTHROPIC_KEY", "sk-test")

		adapter, err := registry.Build("claude")
		require.NoError(t, err)
		assert.Equal(t, "claude", adapter.ID())
		assert.Equal(t, config.ProviderAnthropic, adapter.Kind())
	})

	t.Run("should fail on an unknown provider id", func(t *testing.T) {
		_, err := registry.Build("nope")
		assert.ErrorContains(t, err, "unknown provider")
	})

	t.Run("should fail when the credential cannot be resolved", func(t *testing.T) {
		_, err := registry.Build("claude")
		assert.ErrorContains(t, err, "failed to resolve credential")
	})

	t.Run("should not require a credential for local kinds", func(t *testing.T) {
		adapter, err := registry.Build("local")
		require.NoError(t, err)
		assert.Equal(t, config.ProviderOllama, adapter.Kind())

		adapter, err = registry.Build("shell")
		require.NoError(t, err)
		assert.Equal(t, config.ProviderCLI, adapter.Kind())
	})

	t.Run("should report the configured default model", func(t *testing.T) {
		assert.Equal(t, "llama3", registry.DefaultModel("local"))
		assert.Empty(t, registry.DefaultModel("nope"))
	})
}

func TestCLIAdapter(t *testing.T) {
	ctx := context.Background()
	history := []Message{{Role: "user", Content: "hello"}}

	t.Run("should return the subprocess stdout as the completion", func(t *testing.T) {
		adapter := NewCLIAdapter(config.ProviderConfig{ID: "shell", Binary: "cat"})

		result, err := adapter.CompleteSync(ctx, history, ModelConfig{}, discard)
		require.NoError(t, err)
		// cat echoes the rendered transcript back.
		assert.Contains(t, result.Text, "[user]")
		assert.Contains(t, result.Text, "hello")
	})

	t.Run("should include the system prompt in the transcript", func(t *testing.T) {
		adapter := NewCLIAdapter(config.ProviderConfig{ID: "shell", Binary: "cat"})

		result, err := adapter.CompleteSync(ctx, history, ModelConfig{SystemPrompt: "be terse"}, discard)
		require.NoError(t, err)
		assert.Contains(t, result.Text, "[system]\nbe terse")
	})

	t.Run("should treat empty stdout as a failure", func(t *testing.T) {
		adapter := NewCLIAdapter(config.ProviderConfig{ID: "shell", Binary: "true"})

		_, err := adapter.CompleteSync(ctx, history, ModelConfig{}, discard)
		assert.ErrorContains(t, err, "empty completion")
	})

	t.Run("should surface a failing subprocess", func(t *testing.T) {
		adapter := NewCLIAdapter(config.ProviderConfig{ID: "shell", Binary: "false"})

		_, err := adapter.CompleteSync(ctx, history, ModelConfig{}, discard)
		assert.ErrorContains(t, err, "backend process failed")
	})

	t.Run("should surface cancellation as the context error", func(t *testing.T) {
		adapter := NewCLIAdapter(config.ProviderConfig{ID: "shell", Binary: "cat"})

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := adapter.CompleteSync(cancelled, history, ModelConfig{}, discard)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("should verify the binary on a connection test", func(t *testing.T) {
		assert.NoError(t, NewCLIAdapter(config.ProviderConfig{Binary: "cat"}).TestConnection(ctx))
		assert.Error(t, NewCLIAdapter(config.ProviderConfig{Binary: "weft-no-such-binary"}).TestConnection(ctx))
	})
}

func TestOllamaAdapter(t *testing.T) {
	ctx := context.Background()
	history := []Message{{Role: "user", Content: "hello"}}

	t.Run("should complete against the chat endpoint", func(t *testing.T) {
		var gotReq ollamaChatRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/chat", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"model":             "llama3",
				"message":           map[string]string{"role": "assistant", "content": "hi there"},
				"done":              true,
				"prompt_eval_count": 12,
				"eval_count":        7,
			})
		}))
		defer server.Close()

		adapter := NewOllamaAdapter(config.ProviderConfig{ID: "local", BaseURL: server.URL})

		var deltas []string
		emit := events.EmitterFunc(func(ev events.Event) {
			if ev.Type == events.TypeTextDelta {
				deltas = append(deltas, ev.Text)
			}
		})

		result, err := adapter.CompleteSync(ctx, history, ModelConfig{Model: "llama3", SystemPrompt: "be brief"}, emit)
		require.NoError(t, err)
		assert.Equal(t, "hi there", result.Text)
		assert.Equal(t, "llama3", result.Model)
		assert.Equal(t, int64(12), result.Usage.InputTokens)
		assert.Equal(t, int64(7), result.Usage.OutputTokens)
		assert.Equal(t, []string{"hi there"}, deltas)

		require.Len(t, gotReq.Messages, 2)
		assert.Equal(t, "system", gotReq.Messages[0].Role)
		assert.False(t, gotReq.Stream)
	})

	t.Run("should downgrade the tool role for the local server", func(t *testing.T) {
		var gotReq ollamaChatRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"message": map[string]string{"content": "ok"},
				"done":    true,
			})
		}))
		defer server.Close()

		adapter := NewOllamaAdapter(config.ProviderConfig{ID: "local", BaseURL: server.URL})

		mixed := []Message{
			{Role: "user", Content: "run it"},
			{Role: "tool", Content: "TOOL_RESULT ok"},
		}
		_, err := adapter.CompleteSync(ctx, mixed, ModelConfig{Model: "llama3"}, discard)
		require.NoError(t, err)
		require.Len(t, gotReq.Messages, 2)
		assert.Equal(t, "user", gotReq.Messages[1].Role)
	})

	t.Run("should surface a non-success status with detail", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer server.Close()

		adapter := NewOllamaAdapter(config.ProviderConfig{ID: "local", BaseURL: server.URL})

		_, err := adapter.CompleteSync(ctx, history, ModelConfig{Model: "llama3"}, discard)
		assert.ErrorContains(t, err, "status 404")
		assert.ErrorContains(t, err, "model not found")
	})

	t.Run("should treat an empty completion as a failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"message": map[string]string{"content": ""},
				"done":    true,
			})
		}))
		defer server.Close()

		adapter := NewOllamaAdapter(config.ProviderConfig{ID: "local", BaseURL: server.URL})

		_, err := adapter.CompleteSync(ctx, history, ModelConfig{Model: "llama3"}, discard)
		assert.ErrorContains(t, err, "empty completion")
	})

	t.Run("should list model names from the tags endpoint", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/tags", r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"models": []map[string]string{{"name": "llama3"}, {"name": "mistral"}},
			})
		}))
		defer server.Close()

		adapter := NewOllamaAdapter(config.ProviderConfig{ID: "local", BaseURL: server.URL})

		models, err := adapter.ListModels(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"llama3", "mistral"}, models)
	})

	t.Run("should fail the connection test when the server is down", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		adapter := NewOllamaAdapter(config.ProviderConfig{ID: "local", BaseURL: server.URL})
		assert.Error(t, adapter.TestConnection(ctx))
	})
}
