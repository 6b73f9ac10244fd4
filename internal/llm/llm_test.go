package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.False(t, req.Stream)
		_ = json.NewEncoder(w).Encode(generateResponse{Response: `{"stance":"ship"}`, Done: true})
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL, Model: "test-model"})
	out, err := c.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, `{"stance":"ship"}`, out)
	assert.Equal(t, "test-model", c.GetModel())
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"delay"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	out, err := c.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "delay", out)
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(`{"content":[{"text":"ship it"}]}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(AnthropicConfig{APIKey: "key", BaseURL: srv.URL})
	out, err := c.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "ship it", out)
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := NewCircuitBreakerWithConfig(CircuitBreakerConfig{Name: "test", MaxFailures: 2, Timeout: time.Minute})
	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL, Breaker: breaker})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Complete(ctx, "x")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrCircuitOpen))
	}
	assert.Equal(t, "open", breaker.State())

	_, err := c.Complete(ctx, "x")
	assert.True(t, errors.Is(err, ErrCircuitOpen), "got %v", err)
	assert.Equal(t, int32(2), calls.Load(), "open circuit must not reach the server")

	m := breaker.Metrics()
	assert.Equal(t, uint64(3), m.TotalRequests)
	assert.Equal(t, uint64(3), m.TotalFailures)
}

func TestCancelledContextSkipsCall(t *testing.T) {
	cb := NewCircuitBreaker("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cb.Execute(ctx, func() (string, error) {
		t.Fatal("must not run")
		return "", nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewTextGenerator(t *testing.T) {
	g, err := NewTextGenerator(Config{})
	require.NoError(t, err)
	assert.IsType(t, &OllamaClient{}, g)

	_, err = NewTextGenerator(Config{Provider: "openai"})
	assert.Error(t, err, "openai needs a key")

	g, err = NewTextGenerator(Config{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &AnthropicClient{}, g)

	_, err = NewTextGenerator(Config{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", `Sure! {"a":{"b":"}"}} hope that helps`, `{"a":{"b":"}"}}`},
		{"escaped quote", `{"a":"x\"}"} trailing`, `{"a":"x\"}"}`},
		{"no object", `nothing here`, `nothing here`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}

	var v struct{ A int }
	require.NoError(t, DecodeJSON("here: {\"a\": 3}", &v))
	assert.Equal(t, 3, v.A)
	assert.Error(t, DecodeJSON("not json", &v))
}
