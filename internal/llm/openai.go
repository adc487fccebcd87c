package llm

import (
	"context"
	"time"

	"github.com/nodelab/conduct/pkg/schema"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig holds the settings for the OpenAI-backed model client.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	MaxRetries  int
}

func (c *OpenAIConfig) withDefaults() {
	if c.Model == "" {
		c.Model = openai.GPT4oMini
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

// OpenAIClient implements ModelClient on the OpenAI chat completion API.
// A custom BaseURL points it at any compatible endpoint.
type OpenAIClient struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIClient creates a model client from the given configuration.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "model API key is required")
	}
	cfg.withDefaults()

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
	}, nil
}

// Ask sends a single-turn prompt and returns the raw assistant text.
// Transport failures are retried with linear backoff; a response that fails
// GuardResponse is returned as a MODEL_ERROR without retry, since re-asking
// with the same prompt tends to reproduce the refusal.
func (c *OpenAIClient) Ask(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if c.cfg.MaxTokens > 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}
	if c.cfg.Temperature > 0 {
		req.Temperature = c.cfg.Temperature
	}

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, lastErr = c.client.CreateChatCompletion(ctx, req)
		if lastErr == nil {
			break
		}
		if attempt < c.cfg.MaxRetries {
			select {
			case <-time.After(time.Duration(attempt+1) * time.Second):
			case <-ctx.Done():
				return "", schema.NewError(schema.ErrCodeCancelled, "model call cancelled").
					WithCause(ctx.Err())
			}
		}
	}
	if lastErr != nil {
		return "", schema.NewErrorf(schema.ErrCodeModelCall,
			"model call failed after %d attempts: %s", c.cfg.MaxRetries+1, lastErr.Error()).
			WithCause(lastErr)
	}

	if len(resp.Choices) == 0 {
		return "", schema.NewError(schema.ErrCodeModelCall, "model returned no choices")
	}

	text := resp.Choices[0].Message.Content
	if err := GuardResponse(text); err != nil {
		return "", err
	}
	return text, nil
}

var _ ModelClient = (*OpenAIClient)(nil)
