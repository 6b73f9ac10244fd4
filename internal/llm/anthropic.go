package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey  string
	Model   string        // default: claude-haiku-4-5-20251001
	BaseURL string        // default: https://api.anthropic.com
	Timeout time.Duration // default: 60s
	Breaker *CircuitBreaker
}

// AnthropicClient implements TextGenerator using the Anthropic Messages API.
type AnthropicClient struct {
	cfg            AnthropicConfig
	client         *http.Client
	circuitBreaker *CircuitBreaker
}

// NewAnthropicClient creates a new Anthropic client with the given configuration.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5-20251001"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewCircuitBreaker("anthropic")
	}
	return &AnthropicClient{
		cfg:            cfg,
		client:         &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: cfg.Breaker,
	}
}

type anthropicMessagesRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicMessagesResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends a single-turn completion to Anthropic and returns the response text.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := c.circuitBreaker.Execute(ctx, func() (string, error) {
		return c.complete(ctx, prompt)
	})
	if err != nil {
		return "", errors.Wrap(err, "anthropic")
	}
	return out, nil
}

func (c *AnthropicClient) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	jsonData, err := json.Marshal(anthropicMessagesRequest{
		Model:     c.cfg.Model,
		MaxTokens: 1024,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "failed to send request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", errors.Newf("anthropic returned status %d: %s", resp.StatusCode, string(body))
	}

	var respData anthropicMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", errors.Wrap(err, "failed to decode response")
	}
	if len(respData.Content) == 0 {
		return "", errors.New("anthropic returned empty content")
	}
	return respData.Content[0].Text, nil
}

// GetModel returns the configured model name.
func (c *AnthropicClient) GetModel() string {
	return c.cfg.Model
}

var _ TextGenerator = (*AnthropicClient)(nil)
