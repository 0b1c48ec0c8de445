package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marcin/weft/internal/config"
	"github.com/marcin/weft/pkg/events"
)

// OllamaAdapter drives a locally hosted model over HTTP. It has no tool
// concept of its own; the orchestrator routes it through the local line
// protocol when tool use is required.
type OllamaAdapter struct {
	id      string
	baseURL string
	client  *http.Client
}

// NewOllamaAdapter creates an adapter for the configured local server.
func NewOllamaAdapter(cfg config.ProviderConfig) *OllamaAdapter {
	return &OllamaAdapter{
		id:      cfg.ID,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		// Local generation can be slow; cancellation comes from ctx.
		client: &http.Client{Timeout: 10 * time.Minute},
	}
}

// ID returns the configured provider id.
func (p *OllamaAdapter) ID() string { return p.id }

// Kind returns the provider kind.
func (p *OllamaAdapter) Kind() config.ProviderKind { return config.ProviderOllama }

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool  `json:"done"`
	PromptEvalCount int64 `json:"prompt_eval_count"`
	EvalCount       int64 `json:"eval_count"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// TestConnection verifies the server is reachable.
func (p *OllamaAdapter) TestConnection(ctx context.Context) error {
	if _, err := p.ListModels(ctx); err != nil {
		return fmt.Errorf("connection test failed: %v", err)
	}
	return nil
}

// ListModels returns the locally available model names.
func (p *OllamaAdapter) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %v", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local model server unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local model server returned status %d", resp.StatusCode)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("malformed model listing: %v", err)
	}

	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}

	return models, nil
}

// CompleteSync requests one full completion from the local server.
func (p *OllamaAdapter) CompleteSync(ctx context.Context, history []Message, cfg ModelConfig, emit events.Emitter) (*SyncResult, error) {
	messages := []ollamaChatMessage{}
	if cfg.SystemPrompt != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: cfg.SystemPrompt})
	}
	for _, msg := range history {
		role := msg.Role
		if role == "tool" {
			// The local server knows no tool role; tool results travel
			// as user turns, already framed by the line protocol.
			role = "user"
		}
		messages = append(messages, ollamaChatMessage{Role: role, Content: msg.Content})
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    cfg.Model,
		Messages: messages,
		Stream:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %v", err)
	}

	emit.Emit(events.Event{Type: events.TypeStatus, Text: "generating"})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local model server unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("local model server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var chat ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("malformed completion response: %v", err)
	}

	if chat.Message.Content == "" {
		return nil, fmt.Errorf("backend returned an empty completion")
	}

	emit.Emit(events.Event{Type: events.TypeTextDelta, Text: chat.Message.Content})

	return &SyncResult{
		Text:  chat.Message.Content,
		Model: chat.Model,
		Usage: &Usage{
			InputTokens:  chat.PromptEvalCount,
			OutputTokens: chat.EvalCount,
		},
	}, nil
}
