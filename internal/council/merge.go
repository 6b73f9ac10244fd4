package council

import (
	"sort"

	"github.com/scrypster/conclave/internal/textutil"
	"github.com/scrypster/conclave/pkg/types"
)

// Merge defaults.
const (
	DefaultStanceSimilarity = 0.8
	DefaultConfidenceCap    = 2.0
)

// MergeConfig tunes stance pooling.
type MergeConfig struct {
	// StanceSimilarity is the token-set overlap at which two stances pool.
	StanceSimilarity float64

	// ConfidenceCap bounds a pool's summed confidence.
	ConfidenceCap float64
}

func (c MergeConfig) withDefaults() MergeConfig {
	if c.StanceSimilarity <= 0 {
		c.StanceSimilarity = DefaultStanceSimilarity
	}
	if c.ConfidenceCap <= 0 {
		c.ConfidenceCap = DefaultConfidenceCap
	}
	return c
}

// Outcome is the merged result of a set of opinions.
type Outcome struct {
	Pools          []types.StancePool
	Recommendation string
	NoConsensus    bool
	Disagreement   float64
}

// sameStance reports whether two stances express the same position: equal
// after normalization, or overlapping in at least sim of their words.
func sameStance(a, b string, sim float64) bool {
	if textutil.Key(a) == textutil.Key(b) {
		return true
	}
	if len(textutil.TokenSet(a)) == 0 || len(textutil.TokenSet(b)) == 0 {
		return false
	}
	return textutil.Jaccard(a, b) >= sim
}

// Merge pools opinions and picks a recommendation. The result depends only on
// the opinions and their order. Each opinion joins the first pool whose
// founding stance it matches; pools are ranked by capped confidence, then by
// distinct cited facts. If the top two are still level the outcome is no
// consensus. Disagreement is 1 minus the winner's capped confidence over the
// summed confidence of every opinion.
func Merge(opinions []types.VoiceOpinion, cfg MergeConfig) Outcome {
	cfg = cfg.withDefaults()
	if len(opinions) == 0 {
		return Outcome{}
	}

	type pool struct {
		types.StancePool
		sum   float64
		cited map[types.FactID]bool
		order int
	}
	var pools []*pool
	for _, op := range opinions {
		var p *pool
		for _, cand := range pools {
			if sameStance(cand.Stance, op.Stance, cfg.StanceSimilarity) {
				p = cand
				break
			}
		}
		if p == nil {
			p = &pool{
				StancePool: types.StancePool{Stance: textutil.CollapseSpace(op.Stance)},
				cited:      make(map[types.FactID]bool),
				order:      len(pools),
			}
			pools = append(pools, p)
		}
		p.Supporters = append(p.Supporters, op.Voice)
		p.sum += op.Confidence
		for _, id := range op.Citations {
			p.cited[id] = true
		}
	}

	// Disagreement is measured against the uncapped confidence mass of all
	// opinions; the cap only limits what a pool can claim.
	total := 0.0
	for _, p := range pools {
		p.Confidence = min(p.sum, cfg.ConfidenceCap)
		total += p.sum
		p.Citations = make([]types.FactID, 0, len(p.cited))
		for id := range p.cited {
			p.Citations = append(p.Citations, id)
		}
		sort.Slice(p.Citations, func(i, j int) bool { return p.Citations[i] < p.Citations[j] })
	}
	sort.SliceStable(pools, func(i, j int) bool {
		a, b := pools[i], pools[j]
		if !nearlyEqual(a.Confidence, b.Confidence) {
			return a.Confidence > b.Confidence
		}
		if len(a.Citations) != len(b.Citations) {
			return len(a.Citations) > len(b.Citations)
		}
		return a.order < b.order
	})

	out := Outcome{Pools: make([]types.StancePool, len(pools))}
	for i, p := range pools {
		out.Pools[i] = p.StancePool
	}
	winner := pools[0]
	if len(pools) > 1 && nearlyEqual(winner.Confidence, pools[1].Confidence) &&
		len(winner.Citations) == len(pools[1].Citations) {
		out.NoConsensus = true
		out.Recommendation = types.NoConsensus
	} else {
		out.Recommendation = winner.Stance
	}
	switch {
	case total > 0:
		out.Disagreement = 1 - winner.Confidence/total
	case len(pools) > 1:
		out.Disagreement = 1
	}
	return out
}

func nearlyEqual(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}
