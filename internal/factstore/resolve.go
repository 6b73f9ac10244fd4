package factstore

import (
	"github.com/scrypster/conclave/internal/textutil"
	"github.com/scrypster/conclave/pkg/types"
)

// DefaultMatchThreshold is the minimum name similarity for a fuzzy match.
const DefaultMatchThreshold = 0.85

// Match is a fuzzy entity resolution result.
type Match struct {
	Entity *types.Entity
	Name   string  // the name or alias that matched
	Score  float64 // 1.0 for an exact normalized match
}

// MatchEntity resolves name to a live entity: exact ID, name, or alias first,
// then the closest name or alias by edit-distance similarity if it reaches
// threshold. Ties go to the lower entity ID.
func (v *View) MatchEntity(name string, threshold float64) (Match, bool) {
	if e, err := v.ResolveName(name); err == nil {
		return Match{Entity: e, Name: e.Name, Score: 1}, true
	}
	key := textutil.Key(name)
	if key == "" {
		return Match{}, false
	}
	var best Match
	for _, e := range v.Entities() {
		for _, n := range e.Names() {
			score := textutil.Similarity(key, textutil.Key(n))
			if score > best.Score {
				best = Match{Entity: e, Name: n, Score: score}
			}
		}
	}
	if best.Entity == nil || best.Score < threshold {
		return Match{}, false
	}
	return best, true
}
