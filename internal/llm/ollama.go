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

// OllamaClient handles communication with the Ollama API for local LLM
// inference.
type OllamaClient struct {
	baseURL        string
	client         *http.Client
	circuitBreaker *CircuitBreaker
	model          string
	timeout        time.Duration
}

// OllamaConfig holds Ollama client configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is the model name to use for completions (default: qwen2.5:7b)
	Model string

	// Timeout is the request timeout duration (default: 30s)
	Timeout time.Duration

	Breaker *CircuitBreaker
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaClient creates a new Ollama client with the given configuration.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "qwen2.5:7b"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Breaker == nil {
		config.Breaker = NewCircuitBreaker("ollama")
	}
	return &OllamaClient{
		baseURL:        config.BaseURL,
		client:         &http.Client{Timeout: config.Timeout},
		circuitBreaker: config.Breaker,
		model:          config.Model,
		timeout:        config.Timeout,
	}
}

// Complete sends a completion request to Ollama and returns the response text.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := c.circuitBreaker.Execute(ctx, func() (string, error) {
		return c.complete(ctx, prompt)
	})
	if err != nil {
		return "", errors.Wrap(err, "ollama")
	}
	return out, nil
}

func (c *OllamaClient) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	jsonData, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "failed to send request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", errors.Newf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	var respData generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", errors.Wrap(err, "failed to decode response")
	}
	return respData.Response, nil
}

// HealthCheck verifies that Ollama is reachable by checking the /api/version
// endpoint. It bypasses the circuit breaker since it is a health check itself.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return errors.Wrap(err, "failed to create health check request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "health check failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return errors.Newf("health check returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// GetModel returns the configured model name.
func (c *OllamaClient) GetModel() string {
	return c.model
}

var _ TextGenerator = (*OllamaClient)(nil)
