package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/marcin/weft/internal/config"
	"github.com/marcin/weft/pkg/events"
)

// AnthropicAdapter drives the synchronous streaming HTTP backend. It is
// tool-native, so the orchestrator calls CompleteToolTurn directly and
// never routes it through the local line protocol.
type AnthropicAdapter struct {
	id     string
	client anthropic.Client
}

// NewAnthropicAdapter creates an adapter bound to one resolved credential.
func NewAnthropicAdapter(cfg config.ProviderConfig, credential string) *AnthropicAdapter {
	opts := []option.RequestOption{option.WithAPIKey(credential)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicAdapter{
		id:     cfg.ID,
		client: anthropic.NewClient(opts...),
	}
}

// ID returns the configured provider id.
func (p *AnthropicAdapter) ID() string { return p.id }

// Kind returns the provider kind.
func (p *AnthropicAdapter) Kind() config.ProviderKind { return config.ProviderAnthropic }

// TestConnection verifies the credential by listing models.
func (p *AnthropicAdapter) TestConnection(ctx context.Context) error {
	if _, err := p.ListModels(ctx); err != nil {
		return fmt.Errorf("connection test failed: %v", err)
	}
	return nil
}

// ListModels returns the backend's model identifiers in API order.
func (p *AnthropicAdapter) ListModels(ctx context.Context) ([]string, error) {
	page, err := p.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %v", err)
	}

	models := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, m.ID)
	}

	return models, nil
}

// CompleteSync streams one completion, emitting a text_delta event per
// chunk as it arrives.
func (p *AnthropicAdapter) CompleteSync(ctx context.Context, history []Message, cfg ModelConfig, emit events.Emitter) (*SyncResult, error) {
	params, err := p.buildParams(history, nil, cfg)
	if err != nil {
		return nil, err
	}

	emit.Emit(events.Event{Type: events.TypeStatus, Text: "generating"})

	stream := p.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate stream event: %v", err)
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					emit.Emit(events.Event{Type: events.TypeTextDelta, Text: delta.Text})
				}
			case anthropic.ThinkingDelta:
				if delta.Thinking != "" {
					emit.Emit(events.Event{Type: events.TypeTrace, Trace: &events.Trace{
						Kind: events.TraceThought,
						Text: delta.Thinking,
					}})
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("stream failed: %v", err)
	}

	text := ""
	for _, block := range message.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += b.Text
		}
	}

	// A successful response with no text is an error, not an empty
	// answer.
	if text == "" {
		return nil, fmt.Errorf("backend returned an empty completion")
	}

	return &SyncResult{
		Text:  text,
		Model: string(message.Model),
		Usage: &Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		},
	}, nil
}

// CompleteToolTurn runs one native tool-calling turn.
func (p *AnthropicAdapter) CompleteToolTurn(ctx context.Context, systemPrompt string, history []Message, tools []ToolDef, cfg ModelConfig) (*ToolTurnResult, error) {
	cfg.SystemPrompt = systemPrompt

	params, err := p.buildParams(history, tools, cfg)
	if err != nil {
		return nil, err
	}

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("completion failed: %v", err)
	}

	text := ""
	toolCalls := []ToolCall{}
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text += b.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(b.JSON.Input.Raw()), &args); err != nil {
				return nil, fmt.Errorf("malformed tool input: %v", err)
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}

	if text == "" && len(toolCalls) == 0 {
		return nil, fmt.Errorf("backend returned an empty turn")
	}

	return &ToolTurnResult{
		Text:      text,
		ToolCalls: toolCalls,
		AssistantTurn: Message{
			Role:      "assistant",
			Content:   text,
			ToolCalls: toolCalls,
		},
		Usage: &Usage{
			InputTokens:  response.Usage.InputTokens,
			OutputTokens: response.Usage.OutputTokens,
		},
	}, nil
}

// buildParams converts common-shape history and tools into the wire
// request.
func (p *AnthropicAdapter) buildParams(history []Message, tools []ToolDef, cfg ModelConfig) (anthropic.MessageNewParams, error) {
	messages := []anthropic.MessageParam{}

	for _, msg := range history {
		switch {
		case msg.Role == "system":
			// System messages travel in the dedicated field.
			continue

		case msg.Role == "tool":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))

		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})

		case msg.Role == "assistant":
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})

		default:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if cfg.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: cfg.SystemPrompt}}
	}
	if cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(cfg.Temperature)
	}

	if len(tools) > 0 {
		wireTools := []anthropic.ToolUnionParam{}
		for _, tool := range tools {
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: tool.InputSchema["properties"],
				},
			}
			// Schemas decoded from JSON carry required as
			// []interface{}, not []string.
			switch req := tool.InputSchema["required"].(type) {
			case []string:
				toolParam.InputSchema.Required = req
			case []interface{}:
				required := make([]string, 0, len(req))
				for _, r := range req {
					if s, ok := r.(string); ok {
						required = append(required, s)
					}
				}
				toolParam.InputSchema.Required = required
			}
			wireTools = append(wireTools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = wireTools
	}

	return params, nil
}
