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

// OpenAIConfig holds configuration for the OpenAI client. Any server speaking
// the chat completions API works via BaseURL.
type OpenAIConfig struct {
	APIKey  string
	Model   string        // default: gpt-4o-mini
	BaseURL string        // default: https://api.openai.com
	Timeout time.Duration // default: 60s
	Breaker *CircuitBreaker
}

// OpenAIClient implements TextGenerator using the OpenAI chat completions API.
type OpenAIClient struct {
	cfg            OpenAIConfig
	client         *http.Client
	circuitBreaker *CircuitBreaker
}

// NewOpenAIClient creates a new OpenAI client with the given configuration.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewCircuitBreaker("openai")
	}
	return &OpenAIClient{
		cfg:            cfg,
		client:         &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: cfg.Breaker,
	}
}

type openAIChatRequest struct {
	Model          string              `json:"model"`
	Messages       []openAIChatMessage `json:"messages"`
	Temperature    float64             `json:"temperature"`
	ResponseFormat *openAIFormat       `json:"response_format,omitempty"`
}

type openAIFormat struct {
	Type string `json:"type"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends a single-turn completion to OpenAI and returns the response text.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := c.circuitBreaker.Execute(ctx, func() (string, error) {
		return c.complete(ctx, prompt)
	})
	if err != nil {
		return "", errors.Wrap(err, "openai")
	}
	return out, nil
}

func (c *OpenAIClient) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	jsonData, err := json.Marshal(openAIChatRequest{
		Model:          c.cfg.Model,
		Messages:       []openAIChatMessage{{Role: "user", Content: prompt}},
		Temperature:    0,
		ResponseFormat: &openAIFormat{Type: "json_object"},
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "failed to send request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", errors.Newf("openai returned status %d: %s", resp.StatusCode, string(body))
	}

	var respData openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", errors.Wrap(err, "failed to decode response")
	}
	if len(respData.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return respData.Choices[0].Message.Content, nil
}

// GetModel returns the configured model name.
func (c *OpenAIClient) GetModel() string {
	return c.cfg.Model
}

var _ TextGenerator = (*OpenAIClient)(nil)
