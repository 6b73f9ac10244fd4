package llm

import (
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Config selects and configures a provider.
type Config struct {
	Provider string // ollama (default), openai, anthropic
	Model    string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	Logger   *zap.Logger
}

// NewTextGenerator creates the TextGenerator for cfg.Provider, each with its
// own circuit breaker.
func NewTextGenerator(cfg Config) (TextGenerator, error) {
	breaker := NewCircuitBreakerWithConfig(CircuitBreakerConfig{Name: cfg.Provider, Logger: cfg.Logger})
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" {
			return nil, errors.New("openai provider requires an API key")
		}
		return NewOpenAIClient(OpenAIConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL, Timeout: cfg.Timeout, Breaker: breaker}), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, errors.New("anthropic provider requires an API key")
		}
		return NewAnthropicClient(AnthropicConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL, Timeout: cfg.Timeout, Breaker: breaker}), nil
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout, Breaker: breaker}), nil
	default:
		return nil, errors.Newf("unsupported LLM provider: %q", cfg.Provider)
	}
}
