// Package openai implements the BackendClient contract for OpenAI chat
// models.
package openai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/providers"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Client calls the OpenAI chat completions API for a single configured
// model.
type Client struct {
	name       string
	model      string
	maxRetries int
	client     *openai.Client
	logger     *logrus.Logger
}

// NewClient builds a client from the backend registration config.
func NewClient(cfg types.ProviderConfig, logger *logrus.Logger) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Client{
		name:       cfg.ID,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		client:     openai.NewClientWithConfig(clientCfg),
		logger:     logger,
	}
}

// Name implements BackendClient.
func (c *Client) Name() string {
	return c.name
}

// Kind implements BackendClient.
func (c *Client) Kind() string {
	return types.KindOpenAI
}

// Generate implements BackendClient. The SDK has no retry of its own, so
// the configured retry budget is applied here; the orchestrator's attempt
// timeout still bounds the whole loop through ctx.
func (c *Client) Generate(ctx context.Context, prompt string) (string, int64, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return "", 0, lastErr
			}
			return "", 0, err
		}

		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			lastErr = fmt.Errorf("openai call failed: %w", err)
			c.logger.WithError(err).WithFields(logrus.Fields{
				"backend": c.name,
				"attempt": attempt + 1,
			}).Debug("OpenAI call failed")
			continue
		}

		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("openai returned no choices")
			continue
		}

		return resp.Choices[0].Message.Content, int64(resp.Usage.TotalTokens), nil
	}

	return "", 0, lastErr
}

var _ providers.BackendClient = (*Client)(nil)
