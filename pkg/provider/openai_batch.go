package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/marcin/weft/internal/config"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIBatchAdapter drives the asynchronous submit-then-poll backend
// over the Batches API. Submission returns a batch handle that survives
// process restarts; completion is observed by the recovery scheduler.
type OpenAIBatchAdapter struct {
	id     string
	client openai.Client
}

// NewOpenAIBatchAdapter creates an adapter bound to one resolved
// credential.
func NewOpenAIBatchAdapter(cfg config.ProviderConfig, credential string) *OpenAIBatchAdapter {
	opts := []option.RequestOption{option.WithAPIKey(credential)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIBatchAdapter{
		id:     cfg.ID,
		client: openai.NewClient(opts...),
	}
}

// ID returns the configured provider id.
func (p *OpenAIBatchAdapter) ID() string { return p.id }

// Kind returns the provider kind.
func (p *OpenAIBatchAdapter) Kind() config.ProviderKind { return config.ProviderOpenAIBatch }

// batchRequestLine is one JSONL line of batch input.
type batchRequestLine struct {
	CustomID string                 `json:"custom_id"`
	Method   string                 `json:"method"`
	URL      string                 `json:"url"`
	Body     map[string]interface{} `json:"body"`
}

// batchResponseLine is one JSONL line of batch output.
type batchResponseLine struct {
	CustomID string `json:"custom_id"`
	Response struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Model   string `json:"model"`
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				PromptTokens     int64 `json:"prompt_tokens"`
				CompletionTokens int64 `json:"completion_tokens"`
			} `json:"usage"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// SubmitAsync uploads a single-request batch file and creates the
// batch. The returned handle is the batch id.
func (p *OpenAIBatchAdapter) SubmitAsync(ctx context.Context, history []Message, cfg ModelConfig) (string, error) {
	messages := []map[string]interface{}{}
	if cfg.SystemPrompt != "" {
		messages = append(messages, map[string]interface{}{
			"role":    "system",
			"content": cfg.SystemPrompt,
		})
	}
	for _, msg := range history {
		messages = append(messages, map[string]interface{}{
			"role":    msg.Role,
			"content": msg.Content,
		})
	}

	body := map[string]interface{}{
		"model":    cfg.Model,
		"messages": messages,
	}
	if cfg.MaxTokens > 0 {
		body["max_tokens"] = cfg.MaxTokens
	}

	line, err := json.Marshal(batchRequestLine{
		CustomID: "run-" + uuid.New().String(),
		Method:   "POST",
		URL:      "/v1/chat/completions",
		Body:     body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode batch request: %v", err)
	}
	line = append(line, '\n')

	file, err := p.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(line), "batch.jsonl", "application/jsonl"),
		Purpose: openai.FilePurposeBatch,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload batch input: %v", err)
	}

	batch, err := p.client.Batches.New(ctx, openai.BatchNewParams{
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
		Endpoint:         openai.BatchNewParamsEndpointV1ChatCompletions,
		InputFileID:      file.ID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create batch: %v", err)
	}

	return batch.ID, nil
}

// PollAsync observes the batch once and maps its native status onto the
// closed PollStatus set.
func (p *OpenAIBatchAdapter) PollAsync(ctx context.Context, handle string) (*PollResult, error) {
	batch, err := p.client.Batches.Get(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("failed to poll batch: %v", err)
	}

	switch batch.Status {
	case openai.BatchStatusValidating:
		return &PollResult{Status: StatusQueued}, nil

	case openai.BatchStatusInProgress, openai.BatchStatusFinalizing, openai.BatchStatusCancelling:
		return &PollResult{Status: StatusRunning}, nil

	case openai.BatchStatusCompleted:
		return p.fetchResult(ctx, batch.OutputFileID)

	case openai.BatchStatusFailed, openai.BatchStatusExpired, openai.BatchStatusCancelled:
		return &PollResult{
			Status:    StatusFailed,
			ErrorText: fmt.Sprintf("batch ended with status %s", batch.Status),
		}, nil

	default:
		return nil, fmt.Errorf("unknown batch status: %s", batch.Status)
	}
}

// fetchResult downloads and decodes the single output line of a
// completed batch.
func (p *OpenAIBatchAdapter) fetchResult(ctx context.Context, outputFileID string) (*PollResult, error) {
	if outputFileID == "" {
		return &PollResult{
			Status:    StatusFailed,
			ErrorText: "batch completed without an output file",
		}, nil
	}

	resp, err := p.client.Files.Content(ctx, outputFileID)
	if err != nil {
		return nil, fmt.Errorf("failed to download batch output: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch output: %v", err)
	}

	var line batchResponseLine
	if err := json.Unmarshal(bytes.TrimSpace(data), &line); err != nil {
		return &PollResult{
			Status:    StatusFailed,
			ErrorText: "malformed batch output",
		}, nil
	}

	if line.Error != nil {
		return &PollResult{
			Status:    StatusFailed,
			ErrorText: line.Error.Message,
		}, nil
	}

	if len(line.Response.Body.Choices) == 0 {
		return &PollResult{
			Status:    StatusFailed,
			ErrorText: "batch output contained no choices",
		}, nil
	}

	return &PollResult{
		Status: StatusSucceeded,
		Text:   line.Response.Body.Choices[0].Message.Content,
		Model:  line.Response.Body.Model,
		Usage: &Usage{
			InputTokens:  line.Response.Body.Usage.PromptTokens,
			OutputTokens: line.Response.Body.Usage.CompletionTokens,
		},
	}, nil
}
