// Package anthropic implements the BackendClient contract for Anthropic
// Claude models.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/providers"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

const defaultMaxTokens = 1024

// Client calls the Anthropic Messages API for a single configured model.
type Client struct {
	name      string
	model     string
	maxTokens int64
	client    *anthropic.Client
	logger    *logrus.Logger
}

// NewClient builds a client from the backend registration config.
func NewClient(cfg types.ProviderConfig, logger *logrus.Logger) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}

	client := anthropic.NewClient(opts...)

	return &Client{
		name:      cfg.ID,
		model:     cfg.Model,
		maxTokens: defaultMaxTokens,
		client:    &client,
		logger:    logger,
	}
}

// Name implements BackendClient.
func (c *Client) Name() string {
	return c.name
}

// Kind implements BackendClient.
func (c *Client) Kind() string {
	return types.KindAnthropic
}

// Generate implements BackendClient.
func (c *Client) Generate(ctx context.Context, prompt string) (string, int64, error) {
	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	resp, err := c.client.Messages.New(ctx, req)
	if err != nil {
		c.logger.WithError(err).WithField("backend", c.name).Debug("Anthropic call failed")
		return "", 0, fmt.Errorf("anthropic call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	units := resp.Usage.InputTokens + resp.Usage.OutputTokens
	return text.String(), units, nil
}

var _ providers.BackendClient = (*Client)(nil)
