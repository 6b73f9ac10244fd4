package council

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/scrypster/conclave/internal/llm"
	"github.com/scrypster/conclave/internal/textutil"
	"github.com/scrypster/conclave/pkg/types"
)

// LLMEvaluator asks a language model to answer in character as the voice.
type LLMEvaluator struct {
	id   string
	lens Lens
	gen  llm.TextGenerator
}

// NewLLMEvaluator returns an evaluator backed by gen.
func NewLLMEvaluator(id string, lens Lens, gen llm.TextGenerator) *LLMEvaluator {
	return &LLMEvaluator{id: id, lens: lens, gen: gen}
}

// ID implements Evaluator.
func (e *LLMEvaluator) ID() string { return e.id }

// Lens implements Evaluator.
func (e *LLMEvaluator) Lens() Lens { return e.lens }

type llmOpinion struct {
	Stance     string         `json:"stance"`
	Confidence float64        `json:"confidence"`
	Citations  []types.FactID `json:"citations"`
	Risks      []string       `json:"risks"`
	Rationale  string         `json:"rationale"`
}

// Evaluate implements Evaluator.
func (e *LLMEvaluator) Evaluate(ctx context.Context, question string, facts []*types.Fact) (*types.VoiceOpinion, error) {
	out, err := e.gen.Complete(ctx, e.prompt(question, facts))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Mark(errors.Wrapf(err, "voice %s", e.id), ErrEvaluationTimeout)
		}
		return nil, errors.Mark(errors.Wrapf(err, "voice %s", e.id), ErrEvaluationError)
	}

	var raw llmOpinion
	if err := llm.DecodeJSON(out, &raw); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "voice %s", e.id), ErrEvaluationError)
	}
	stance := textutil.CollapseSpace(raw.Stance)
	if stance == "" {
		return nil, errors.Wrapf(ErrEvaluationError, "voice %s: empty stance", e.id)
	}
	if math.IsNaN(raw.Confidence) || raw.Confidence < 0 || raw.Confidence > 1 {
		return nil, errors.Wrapf(ErrEvaluationError, "voice %s: confidence %v outside [0,1]", e.id, raw.Confidence)
	}

	inContext := make(map[types.FactID]bool, len(facts))
	for _, f := range facts {
		inContext[f.ID] = true
	}
	op := &types.VoiceOpinion{
		Voice:      e.id,
		Stance:     stance,
		Confidence: raw.Confidence,
		Rationale:  strings.TrimSpace(raw.Rationale),
	}
	for _, id := range raw.Citations {
		if inContext[id] {
			op.Citations = append(op.Citations, id)
		}
	}
	for _, r := range raw.Risks {
		if r = textutil.CollapseSpace(r); r != "" {
			op.Risks = append(op.Risks, r)
		}
	}
	return op, nil
}

func (e *LLMEvaluator) prompt(question string, facts []*types.Fact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s voice on a cross-functional council.\n\n", strings.ToUpper(e.lens.Title))
	if len(e.lens.Priorities) > 0 {
		fmt.Fprintf(&b, "You care most about: %s.\n", strings.Join(e.lens.Priorities, ", "))
	}
	if e.lens.Bias != "" {
		fmt.Fprintf(&b, "Your declared bias: %s\n", e.lens.Bias)
	}

	b.WriteString("\n## Shared Context (what we know)\n")
	if len(facts) == 0 {
		b.WriteString("(no recorded facts)\n")
	}
	for _, f := range facts {
		fmt.Fprintf(&b, "- [#%d %s %s from %s]", f.ID, f.Kind, f.EventTime().Format("2006-01-02"), f.Source)
		if f.Severity != "" {
			fmt.Fprintf(&b, " severity=%s", f.Severity)
		}
		if len(f.Tags) > 0 {
			fmt.Fprintf(&b, " themes=%s", strings.Join(f.Tags, ","))
		}
		fmt.Fprintf(&b, " %s\n", textutil.Truncate(textutil.CollapseSpace(f.Body), 400))
	}

	fmt.Fprintf(&b, "\n## Question for the council\n%s\n\n", question)
	b.WriteString("State your view from your perspective. Be direct. Respond with only a JSON object:\n")
	b.WriteString(`{"stance": "<short position, a few words>", "confidence": <0.0-1.0>, "citations": [<fact numbers you relied on>], "risks": ["<risk>"], "rationale": "<2-3 sentences>"}`)
	b.WriteString("\n")
	return b.String()
}
