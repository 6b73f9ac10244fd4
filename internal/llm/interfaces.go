// Package llm holds the text-generation clients used by LLM-backed council
// voices. Every client wraps its HTTP calls in a circuit breaker so a failing
// provider turns into fast abstentions instead of stalled sessions.
package llm

import "context"

// TextGenerator is the interface for LLM text completion.
// Council prompts use single-string completion style (not chat).
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}
