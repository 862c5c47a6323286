package provider

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/tierroute/tierroute/internal/transport"
	"github.com/tierroute/tierroute/pkg/models"
)

// KindOpenAI is any OpenAI-compatible chat completions endpoint.
const KindOpenAI = "openai"

// ── OpenAI-compatible Provider ──────────────────────────────

// OpenAIDriver calls /chat/completions through go-openai, reusing the
// shared outbound pool.
type OpenAIDriver struct {
	client *openai.Client
}

// NewOpenAIDriver returns a driver for the given key. An empty baseURL
// keeps the public OpenAI endpoint.
func NewOpenAIDriver(baseURL, apiKey string, doer transport.Doer) *OpenAIDriver {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if doer != nil {
		cfg.HTTPClient = doer
	}
	return &OpenAIDriver{client: openai.NewClientWithConfig(cfg)}
}

// Kind returns "openai".
func (d *OpenAIDriver) Kind() string { return KindOpenAI }

// Generate sends a single-message chat completion.
func (d *OpenAIDriver) Generate(ctx context.Context, req Request) (*models.ProviderResult, error) {
	resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Text},
		},
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxOutputTokens,
		User:        req.RequestID,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	result := &models.ProviderResult{
		Provider: KindOpenAI,
		Model:    req.Model,
		Usage:    usageFromOpenAI(resp.Usage),
	}

	if len(resp.Choices) > 0 && resp.Choices[0].Message.Content != "" {
		text := resp.Choices[0].Message.Content
		result.Output = &text
	} else {
		result.Raw = resp
	}
	return result, nil
}

// usageFromOpenAI leaves counts nil when the response carried no usage
// object, which go-openai decodes as the zero value.
func usageFromOpenAI(u openai.Usage) models.Usage {
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 {
		return models.Usage{}
	}
	in := int64(u.PromptTokens)
	out := int64(u.CompletionTokens)
	total := int64(u.TotalTokens)
	return models.Usage{InputTokens: &in, OutputTokens: &out, TotalTokens: &total}
}
