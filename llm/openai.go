// ABOUTME: OpenAI Chat Completions client implementing the stages text generator.
// ABOUTME: Supports custom base URLs for OpenAI-compatible providers (OpenRouter, Cerebras, local gateways).

package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389-research/prowzi/stages"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// Compile-time check that Client satisfies the stages contract.
var _ stages.Generator = (*Client)(nil)

// Client generates text with the Chat Completions endpoint. The SDK's own
// retries are disabled; the orchestrator owns retry policy.
type Client struct {
	client      openai.Client
	model       string
	maxTokens   int64
	temperature *float64
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	baseURL     string
	model       string
	maxTokens   int64
	temperature *float64
	timeout     time.Duration
}

// WithBaseURL points the client at an OpenAI-compatible provider.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(c *clientConfig) { c.model = model }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) Option {
	return func(c *clientConfig) { c.maxTokens = int64(n) }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *clientConfig) { c.temperature = &t }
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// NewClient creates a Chat Completions client.
func NewClient(apiKey string, opts ...Option) *Client {
	cfg := clientConfig{model: DefaultModel, maxTokens: 2048}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.model == "" {
		cfg.model = DefaultModel
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.timeout))
	}
	return &Client{
		client:      openai.NewClient(reqOpts...),
		model:       cfg.model,
		maxTokens:   cfg.maxTokens,
		temperature: cfg.temperature,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Generate implements stages.Generator. Non-retryable provider errors are
// marked permanent so the stage fails without burning its retry budget.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}
	if c.temperature != nil {
		params.Temperature = openai.Float(*c.temperature)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Message: "response has no choices", Retryable: true}
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", &ProviderError{Message: fmt.Sprintf("empty completion (finish reason %q)", resp.Choices[0].FinishReason), Retryable: true}
	}
	return text, nil
}

// classify converts SDK errors to ProviderError.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return wrapStatus(apiErr.StatusCode, apiErr.Message, err)
	}
	return &ProviderError{Message: "request failed", Retryable: true, Cause: err}
}
