// Package council runs multi-voice deliberations over the fact store.
//
// A question is answered by every registered Evaluator independently and in
// parallel, each looking at the same context window through its own Lens.
// The orchestrator pools equivalent stances, picks the best-supported one,
// and reports how much the voices disagreed and which of them abstained.
package council

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/scrypster/conclave/internal/config"
	"github.com/scrypster/conclave/internal/llm"
	"github.com/scrypster/conclave/pkg/types"
)

var (
	// ErrNoQuorum is returned when every voice abstained. The failed session
	// is still recorded.
	ErrNoQuorum = errors.New("no quorum: every voice abstained")

	// ErrEvaluationTimeout marks a voice that did not answer in time.
	ErrEvaluationTimeout = errors.New("evaluation timed out")

	// ErrEvaluationError marks a voice that failed or answered with an
	// invalid opinion.
	ErrEvaluationError = errors.New("evaluation failed")
)

// Lens is the fixed viewpoint a voice evaluates through.
type Lens struct {
	Title      string            `json:"title"`
	Priorities []string          `json:"priorities,omitempty"`
	Bias       string            `json:"bias,omitempty"`
	RiskWeight float64           `json:"risk_weight"`
	Stances    config.StanceSpec `json:"stances"`
}

// LensFromSpec builds a lens from a voice table entry.
func LensFromSpec(spec config.VoiceSpec) Lens {
	spec = spec.Normalized()
	return Lens{
		Title:      spec.Title,
		Priorities: append([]string(nil), spec.Priorities...),
		Bias:       spec.Bias,
		RiskWeight: spec.RiskWeight,
		Stances:    spec.Stances,
	}
}

// Evaluator is one council voice. Evaluate must treat facts as read-only and
// must honor ctx; the orchestrator records a timeout or error as an
// abstention.
type Evaluator interface {
	ID() string
	Lens() Lens
	Evaluate(ctx context.Context, question string, facts []*types.Fact) (*types.VoiceOpinion, error)
}

// Registry holds the voices in registration order.
type Registry struct {
	mu     sync.RWMutex
	voices []Evaluator
	ids    map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]bool)}
}

// Register adds a voice. IDs must be unique.
func (r *Registry) Register(e Evaluator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID() == "" {
		return errors.Wrap(types.ErrValidation, "voice id is required")
	}
	if r.ids[e.ID()] {
		return errors.Wrapf(types.ErrValidation, "voice %q already registered", e.ID())
	}
	r.ids[e.ID()] = true
	r.voices = append(r.voices, e)
	return nil
}

// Voices returns the registered voices in registration order.
func (r *Registry) Voices() []Evaluator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Evaluator(nil), r.voices...)
}

// Len returns the number of registered voices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.voices)
}

// BuildRegistry creates one evaluator per spec. LLM voices need gen.
func BuildRegistry(specs []config.VoiceSpec, gen llm.TextGenerator, log *zap.Logger) (*Registry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := NewRegistry()
	for _, spec := range specs {
		spec = spec.Normalized()
		lens := LensFromSpec(spec)
		var e Evaluator
		switch spec.Evaluator {
		case "llm":
			if gen == nil {
				return nil, errors.Newf("council: voice %q needs an LLM provider", spec.ID)
			}
			e = NewLLMEvaluator(spec.ID, lens, gen)
		default:
			e = NewLensEvaluator(spec.ID, lens)
		}
		if err := r.Register(e); err != nil {
			return nil, err
		}
		log.Debug("voice registered", zap.String("voice", spec.ID), zap.String("evaluator", spec.Evaluator))
	}
	return r, nil
}
