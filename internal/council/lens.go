package council

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/scrypster/conclave/internal/textutil"
	"github.com/scrypster/conclave/pkg/types"
)

const (
	maxCitations = 5
	maxRisks     = 3
)

// Themes the lens evaluator reads as evidence.
var (
	riskThemes    = map[string]bool{"customer_issue": true, "blocker": true}
	supportThemes = map[string]bool{"positive_feedback": true, "feature_request": true, "deadline": true}
)

var severityWeight = map[types.Severity]float64{
	types.SeverityCritical: 1.0,
	types.SeverityHigh:     0.8,
	types.SeverityMedium:   0.5,
	types.SeverityLow:      0.3,
	"":                     0.5,
}

// LensEvaluator is a deterministic voice. It weighs open incidents and risk
// themes against positive signals, scaling evidence by how closely each fact
// touches the lens priorities and the question.
type LensEvaluator struct {
	id   string
	lens Lens
}

// NewLensEvaluator returns a lens-weighted evaluator.
func NewLensEvaluator(id string, lens Lens) *LensEvaluator {
	return &LensEvaluator{id: id, lens: lens}
}

// ID implements Evaluator.
func (e *LensEvaluator) ID() string { return e.id }

// Lens implements Evaluator.
func (e *LensEvaluator) Lens() Lens { return e.lens }

type evidence struct {
	id     types.FactID
	weight float64
}

// Evaluate implements Evaluator.
func (e *LensEvaluator) Evaluate(ctx context.Context, question string, facts []*types.Fact) (*types.VoiceOpinion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	priorities := make(map[string]bool)
	for _, p := range e.lens.Priorities {
		priorities[strings.ToLower(p)] = true
		for tok := range textutil.TokenSet(p) {
			priorities[tok] = true
		}
	}
	qtokens := textutil.TokenSet(question)

	var (
		risk, support  float64
		against, favor []evidence
		risks          []string
	)
	for _, f := range facts {
		if f.SupersededBy != 0 {
			continue
		}
		rel := relevance(f, priorities, qtokens)
		switch {
		case f.Kind == types.KindIncident:
			w := severityWeight[f.Severity] * rel * e.lens.RiskWeight
			risk += w
			against = append(against, evidence{f.ID, w})
			if len(risks) < maxRisks {
				risks = append(risks, fmt.Sprintf("open incident #%d: %s", f.ID, textutil.Truncate(textutil.CollapseSpace(f.Body), 80)))
			}
		case hasAny(f, riskThemes):
			w := 0.4 * rel * e.lens.RiskWeight
			risk += w
			against = append(against, evidence{f.ID, w})
		case hasAny(f, supportThemes):
			w := 0.4 * rel
			support += w
			favor = append(favor, evidence{f.ID, w})
		}
	}

	op := &types.VoiceOpinion{Voice: e.id}
	margin := math.Abs(risk - support)
	switch {
	case risk+support == 0 || margin < 1e-9:
		op.Stance = e.lens.Stances.Undecided
		op.Confidence = 0.2
	case risk > support:
		op.Stance = e.lens.Stances.Caution
		op.Citations = strongest(against)
		op.Confidence = confidence(margin, risk+support)
	default:
		op.Stance = e.lens.Stances.Proceed
		op.Citations = strongest(favor)
		op.Confidence = confidence(margin, risk+support)
	}
	if op.Stance != e.lens.Stances.Proceed {
		op.Risks = risks
	}
	op.Rationale = fmt.Sprintf("%s lens: %d risk signals (weight %.2f) against %d supporting signals (weight %.2f).",
		e.lens.Title, len(against), risk, len(favor), support)
	if e.lens.Bias != "" {
		op.Rationale += " " + e.lens.Bias
	}
	return op, nil
}

// relevance is 1 for facts touching a lens priority, 0.5 for facts sharing
// words with the question, and 0.25 otherwise.
func relevance(f *types.Fact, priorities map[string]bool, qtokens map[string]struct{}) float64 {
	for _, t := range f.Tags {
		if priorities[t] {
			return 1
		}
	}
	body := textutil.TokenSet(f.Body)
	for tok := range body {
		if priorities[tok] {
			return 1
		}
	}
	for tok := range body {
		if _, ok := qtokens[tok]; ok {
			return 0.5
		}
	}
	return 0.25
}

func hasAny(f *types.Fact, themes map[string]bool) bool {
	for _, t := range f.Tags {
		if themes[t] {
			return true
		}
	}
	return false
}

// confidence maps the evidence margin onto [0.35, 0.95].
func confidence(margin, total float64) float64 {
	c := 0.35 + 0.6*margin/total
	return math.Round(c*100) / 100
}

// strongest returns up to maxCitations fact IDs by descending weight, in ID
// order.
func strongest(ev []evidence) []types.FactID {
	sorted := append([]evidence(nil), ev...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].weight > sorted[j].weight })
	if len(sorted) > maxCitations {
		sorted = sorted[:maxCitations]
	}
	ids := make([]types.FactID, len(sorted))
	for i, e := range sorted {
		ids[i] = e.id
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
