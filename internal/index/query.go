package index

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/scrypster/conclave/internal/factstore"
	"github.com/scrypster/conclave/internal/textutil"
	"github.com/scrypster/conclave/pkg/types"
)

const (
	// DefaultSearchLimit caps Search when no limit is given.
	DefaultSearchLimit = 20

	// DefaultRecent is the number of facts Recent returns when n <= 0.
	DefaultRecent = 10

	// SnippetLength bounds example text in theme summaries.
	SnippetLength = 200
)

// Hit is one search result.
type Hit struct {
	Fact    *types.Fact `json:"fact"`
	Matched int         `json:"matched"` // distinct query tokens found
	Score   int         `json:"score"`   // total occurrences of query tokens
}

// Search ranks facts by how many distinct query tokens they contain, then by
// total occurrences, then newest first. A query with no usable tokens
// matches nothing.
func (ix *Index) Search(text string, limit int) []Hit {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	tokens := textutil.TokenSet(text)
	hits := []Hit{}
	if len(tokens) == 0 {
		return hits
	}

	ix.mu.RLock()
	matched := make(map[types.FactID]*Hit)
	for tok := range tokens {
		for id, n := range ix.st.Postings[tok] {
			h := matched[id]
			if h == nil {
				h = &Hit{}
				matched[id] = h
			}
			h.Matched++
			h.Score += n
		}
	}
	ix.mu.RUnlock()

	v := ix.src.View()
	for id, h := range matched {
		f, err := v.Get(id)
		if err != nil {
			continue
		}
		h.Fact = f
		hits = append(hits, *h)
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Matched != b.Matched {
			return a.Matched > b.Matched
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Fact.ID > b.Fact.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// EntityContext is the composite "customer context" answer.
type EntityContext struct {
	Entity        *types.Entity `json:"entity"`
	Recent        []*types.Fact `json:"recent"`         // newest first, bounded
	OpenIncidents []*types.Fact `json:"open_incidents"` // unsuperseded incidents, newest first
	MatchScore    float64       `json:"match_score"`    // 1 for an exact name or alias
}

// Context resolves name (exact, then fuzzy) and returns the entity with its
// recent facts and open incidents. An unknown name is types.ErrNotFound, so
// callers can tell "no such entity" from "entity with no history".
func (ix *Index) Context(name string) (*EntityContext, error) {
	v := ix.src.View()
	m, ok := v.MatchEntity(name, ix.cfg.MatchThreshold)
	if !ok {
		return nil, errors.Wrapf(types.ErrNotFound, "no entity matches %q", name)
	}

	ix.mu.RLock()
	recent := append([]types.FactID(nil), ix.st.Windows[m.Entity.ID]...)
	open := append([]types.FactID(nil), ix.st.OpenIncidents[m.Entity.ID]...)
	ix.mu.RUnlock()

	ec := &EntityContext{
		Entity:        m.Entity,
		Recent:        factsByID(v, recent),
		OpenIncidents: make([]*types.Fact, 0, len(open)),
		MatchScore:    m.Score,
	}
	for i := len(open) - 1; i >= 0; i-- {
		if f, err := v.Get(open[i]); err == nil {
			ec.OpenIncidents = append(ec.OpenIncidents, f)
		}
	}
	return ec, nil
}

func factsByID(v *factstore.View, ids []types.FactID) []*types.Fact {
	out := make([]*types.Fact, 0, len(ids))
	for _, id := range ids {
		if f, err := v.Get(id); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// Themes maps each theme to its fact count.
func (ix *Index) Themes() map[string]int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]int, len(ix.st.Themes))
	for t, ids := range ix.st.Themes {
		out[t] = len(ids)
	}
	return out
}

// ThemeSummary is a theme with its count and a few recent examples.
type ThemeSummary struct {
	Theme    string   `json:"theme"`
	Count    int      `json:"count"`
	Examples []string `json:"examples,omitempty"`
}

// ThemeSummaries lists themes by descending count (ties by name), each with
// up to examples recent snippets.
func (ix *Index) ThemeSummaries(examples int) []ThemeSummary {
	v := ix.src.View()
	ix.mu.RLock()
	out := make([]ThemeSummary, 0, len(ix.st.Themes))
	for t, ids := range ix.st.Themes {
		ts := ThemeSummary{Theme: t, Count: len(ids)}
		for i := len(ids) - 1; i >= 0 && len(ts.Examples) < examples; i-- {
			if f, err := v.Get(ids[i]); err == nil {
				ts.Examples = append(ts.Examples, textutil.Truncate(textutil.CollapseSpace(f.Body), SnippetLength))
			}
		}
		out = append(out, ts)
	}
	ix.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Theme < out[j].Theme
	})
	return out
}

// Recent returns the last n facts, newest first.
func (ix *Index) Recent(n int) []*types.Fact {
	if n <= 0 {
		n = DefaultRecent
	}
	return ix.src.View().List(factstore.ListFilter{NewestFirst: true, Limit: n})
}

// Summary is an overview of the knowledge base.
type Summary struct {
	Facts         int                    `json:"facts"`
	ByKind        map[types.FactKind]int `json:"by_kind"`
	BySource      map[string]int         `json:"by_source"`
	Superseded    int                    `json:"superseded"`
	OpenIncidents int                    `json:"open_incidents"`
	Entities      int                    `json:"entities"`
	Merged        int                    `json:"merged"`
	Sessions      int                    `json:"sessions"`
	TopThemes     []ThemeSummary         `json:"top_themes"`
	AtRisk        []AtRiskEntity         `json:"at_risk"`
	LastFactAt    time.Time              `json:"last_fact_at,omitempty"`
}

// AtRiskEntity is a live entity whose recorded sentiment calls for
// attention.
type AtRiskEntity struct {
	ID            types.EntityID `json:"id"`
	Name          string         `json:"name"`
	Sentiment     string         `json:"sentiment"`
	RecentTickets int            `json:"recent_tickets,omitempty"`
	LastContact   string         `json:"last_contact,omitempty"`
}

// Summary counts facts by kind and source and lists the five biggest themes
// and every at-risk entity, most tickets first.
func (ix *Index) Summary() Summary {
	v := ix.src.View()
	st := v.Stats()
	s := Summary{
		Facts:      st.Facts,
		ByKind:     make(map[types.FactKind]int),
		BySource:   make(map[string]int),
		Superseded: st.Superseded,
		Entities:   st.Entities,
		Merged:     st.Merged,
		Sessions:   st.Sessions,
	}
	facts := v.Facts()
	for _, f := range facts {
		s.ByKind[f.Kind]++
		s.BySource[f.Source]++
	}
	if len(facts) > 0 {
		s.LastFactAt = facts[len(facts)-1].Timestamp
	}

	ix.mu.RLock()
	for _, ids := range ix.st.OpenIncidents {
		s.OpenIncidents += len(ids)
	}
	ix.mu.RUnlock()

	top := ix.ThemeSummaries(0)
	if len(top) > 5 {
		top = top[:5]
	}
	s.TopThemes = top
	s.AtRisk = atRisk(v.Entities())
	return s
}

func atRisk(entities []*types.Entity) []AtRiskEntity {
	out := []AtRiskEntity{}
	for _, e := range entities {
		if !e.AtRisk() {
			continue
		}
		tickets, _ := strconv.Atoi(e.Attributes[types.AttrRecentTickets])
		out = append(out, AtRiskEntity{
			ID:            e.ID,
			Name:          e.Name,
			Sentiment:     e.Attributes[types.AttrSentiment],
			RecentTickets: tickets,
			LastContact:   e.Attributes[types.AttrLastContact],
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecentTickets > out[j].RecentTickets })
	return out
}

// RelevantContext picks at most limit facts for a council question, in ID
// order. Candidates are taken by priority: the scope entity's open incidents
// and recent window, facts matching the question text, facts in themes the
// question names, then the most recent facts. Superseded facts are skipped.
func (ix *Index) RelevantContext(question string, scope types.EntityID, limit int) []*types.Fact {
	if limit <= 0 {
		return []*types.Fact{}
	}
	v := ix.src.View()
	picked := make(map[types.FactID]bool)
	var ids []types.FactID
	add := func(id types.FactID) {
		if len(ids) >= limit || picked[id] {
			return
		}
		f, err := v.Get(id)
		if err != nil || f.SupersededBy != 0 {
			return
		}
		picked[id] = true
		ids = append(ids, id)
	}

	ix.mu.RLock()
	var open, window []types.FactID
	if scope != "" {
		eid := v.Canonical(scope)
		open = append(open, ix.st.OpenIncidents[eid]...)
		window = append(window, ix.st.Windows[eid]...)
	}
	qtokens := textutil.TokenSet(question)
	var themed [][]types.FactID
	themes := make([]string, 0, len(ix.st.Themes))
	for t := range ix.st.Themes {
		themes = append(themes, t)
	}
	sort.Strings(themes)
	for _, t := range themes {
		for tok := range textutil.TokenSet(strings.ReplaceAll(t, "_", " ")) {
			if _, ok := qtokens[tok]; ok {
				themed = append(themed, append([]types.FactID(nil), ix.st.Themes[t]...))
				break
			}
		}
	}
	ix.mu.RUnlock()

	for i := len(open) - 1; i >= 0; i-- {
		add(open[i])
	}
	for _, id := range window {
		add(id)
	}
	for _, h := range ix.Search(question, limit) {
		add(h.Fact.ID)
	}
	for _, list := range themed {
		for i, n := len(list)-1, 0; i >= 0 && n < 5; i, n = i-1, n+1 {
			add(list[i])
		}
	}
	for _, f := range v.List(factstore.ListFilter{NewestFirst: true, ExcludeSuperseded: true, Limit: limit}) {
		add(f.ID)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return factsByID(v, ids)
}
