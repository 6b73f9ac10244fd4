package index

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/conclave/internal/factstore"
	"github.com/scrypster/conclave/internal/storage"
	"github.com/scrypster/conclave/pkg/types"
)

// newTestIndex returns a store with the index subscribed to it.
func newTestIndex(t *testing.T, cfg Config) (*factstore.Store, *Index) {
	t.Helper()
	s, err := factstore.Open(context.Background(), storage.NewMemoryBackend(), factstore.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ix := New(s, cfg)
	s.Subscribe(ix.Apply)
	return s, ix
}

func appendFact(t *testing.T, s *factstore.Store, d *types.FactDraft) types.FactID {
	t.Helper()
	id, err := s.Append(context.Background(), d)
	require.NoError(t, err)
	return id
}

func obs(body string, subjects []types.EntityID, tags ...string) *types.FactDraft {
	return &types.FactDraft{Kind: types.KindObservation, Source: "slack:#cs", Body: body, Subjects: subjects, Tags: tags}
}

func TestContextNewestFirstAndThemes(t *testing.T) {
	s, ix := newTestIndex(t, Config{})
	acme, err := s.RegisterEntity(context.Background(), types.EntityDraft{Name: "Acme Corp"})
	require.NoError(t, err)
	subj := []types.EntityID{acme.ID}

	t1 := appendFact(t, s, obs("kickoff call went well", subj, "onboarding"))
	t2 := appendFact(t, s, obs("SSO setup pending", subj, "onboarding"))
	t3 := appendFact(t, s, obs("first dashboard shipped", subj, "onboarding"))

	ec, err := ix.Context("Acme Corp")
	require.NoError(t, err)
	require.Len(t, ec.Recent, 3)
	assert.Equal(t, []types.FactID{t3, t2, t1}, []types.FactID{ec.Recent[0].ID, ec.Recent[1].ID, ec.Recent[2].ID})
	assert.Equal(t, 1.0, ec.MatchScore)
	assert.Empty(t, ec.OpenIncidents)

	assert.Equal(t, map[string]int{"onboarding": 3}, ix.Themes())
}

func TestContextUnknownEntityIsNotFound(t *testing.T) {
	s, ix := newTestIndex(t, Config{})
	_, err := ix.Context("Nobody Inc")
	assert.True(t, types.IsNotFound(err))

	// An entity with no history is not an error.
	_, err = s.RegisterEntity(context.Background(), types.EntityDraft{Name: "Quiet Co"})
	require.NoError(t, err)
	ec, err := ix.Context("quiet co")
	require.NoError(t, err)
	assert.Empty(t, ec.Recent)
}

func TestContextFuzzyMatchAndOpenIncidents(t *testing.T) {
	s, ix := newTestIndex(t, Config{})
	ctx := context.Background()
	acme, err := s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme Corporation"})
	require.NoError(t, err)
	subj := []types.EntityID{acme.ID}

	inc1 := appendFact(t, s, &types.FactDraft{Kind: types.KindIncident, Source: "zendesk", Body: "login outage", Subjects: subj, Severity: types.SeverityCritical})
	inc2 := appendFact(t, s, &types.FactDraft{Kind: types.KindIncident, Source: "zendesk", Body: "export slow", Subjects: subj})
	fix := appendFact(t, s, obs("login outage resolved", subj))
	require.NoError(t, s.MarkSuperseded(ctx, inc1, fix))

	ec, err := ix.Context("acme corporaton")
	require.NoError(t, err)
	assert.Equal(t, acme.ID, ec.Entity.ID)
	assert.Less(t, ec.MatchScore, 1.0)
	require.Len(t, ec.OpenIncidents, 1)
	assert.Equal(t, inc2, ec.OpenIncidents[0].ID)
}

func TestEntityWindowIsBounded(t *testing.T) {
	s, ix := newTestIndex(t, Config{EntityWindow: 3})
	acme, err := s.RegisterEntity(context.Background(), types.EntityDraft{Name: "Acme"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		appendFact(t, s, obs(fmt.Sprintf("note %d", i), []types.EntityID{acme.ID}))
	}
	ec, err := ix.Context("acme")
	require.NoError(t, err)
	require.Len(t, ec.Recent, 3)
	assert.Equal(t, types.FactID(5), ec.Recent[0].ID)
	assert.Equal(t, types.FactID(3), ec.Recent[2].ID)
}

func TestSearchRanking(t *testing.T) {
	s, ix := newTestIndex(t, Config{})
	a := appendFact(t, s, obs("billing export fails for large accounts", nil))
	b := appendFact(t, s, obs("billing page is slow", nil))
	c := appendFact(t, s, obs("export to CSV fails, export to PDF fails", nil))
	d := appendFact(t, s, obs("billing dashboard looks great", nil))

	hits := ix.Search("billing export", 10)
	require.Len(t, hits, 4)
	assert.Equal(t, a, hits[0].Fact.ID, "matches both tokens")
	assert.Equal(t, 2, hits[0].Matched)
	assert.Equal(t, c, hits[1].Fact.ID, "one token, twice")
	assert.Equal(t, d, hits[2].Fact.ID, "tie broken by recency")
	assert.Equal(t, b, hits[3].Fact.ID)

	assert.Len(t, ix.Search("billing export", 2), 2)
	assert.Empty(t, ix.Search("the of and", 10))
	assert.Empty(t, ix.Search("kubernetes", 10))
}

func TestRebuildMatchesIncremental(t *testing.T) {
	s, ix := newTestIndex(t, Config{EntityWindow: 4})
	ctx := context.Background()

	acme, err := s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme"})
	require.NoError(t, err)
	globex, err := s.RegisterEntity(ctx, types.EntityDraft{Name: "Globex"})
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		subj := []types.EntityID{acme.ID}
		if i%3 == 0 {
			subj = append(subj, globex.ID)
		}
		d := obs(fmt.Sprintf("weekly sync %d about rollout blockers", i), subj, "rollout")
		if i%4 == 0 {
			d = &types.FactDraft{Kind: types.KindIncident, Source: "zendesk", Body: fmt.Sprintf("incident %d", i), Subjects: subj, Tags: []string{"customer_issue"}}
		}
		appendFact(t, s, d)
	}
	require.NoError(t, s.MarkSuperseded(ctx, 1, 2))
	d := obs("correction", []types.EntityID{acme.ID})
	d.Supersedes = 5
	appendFact(t, s, d)

	incremental := ix.State()
	require.Zero(t, ix.Rebuilds())

	fresh := New(s, Config{EntityWindow: 4})
	assert.True(t, incremental.Same(fresh.State()), incremental.Diff(fresh.State()))

	ix.Rebuild()
	assert.True(t, incremental.Same(ix.State()), incremental.Diff(ix.State()))
}

func TestMergeRekeysViews(t *testing.T) {
	s, ix := newTestIndex(t, Config{})
	ctx := context.Background()
	acme, err := s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme"})
	require.NoError(t, err)
	dup, err := s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme Incorporated"})
	require.NoError(t, err)

	appendFact(t, s, obs("from acme", []types.EntityID{acme.ID}))
	appendFact(t, s, &types.FactDraft{Kind: types.KindIncident, Source: "zendesk", Body: "dup outage", Subjects: []types.EntityID{dup.ID}})

	_, err = s.MergeEntities(ctx, dup.ID, acme.ID, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, 1, ix.Rebuilds())

	ec, err := ix.Context("Acme Incorporated")
	require.NoError(t, err)
	assert.Equal(t, acme.ID, ec.Entity.ID)
	assert.Len(t, ec.Recent, 2)
	assert.Len(t, ec.OpenIncidents, 1)

	st := ix.State()
	assert.NotContains(t, st.Windows, dup.ID)
	assert.True(t, st.Same(New(s, Config{}).State()))
}

func TestGapTriggersRebuild(t *testing.T) {
	s, ix := newTestIndex(t, Config{})
	lagging := New(s, Config{})
	appendFact(t, s, obs("one", nil))

	// lagging is not subscribed, so delivering fact 2 exposes the gap.
	appendFact(t, s, obs("two", nil))
	f2, err := s.Get(2)
	require.NoError(t, err)
	lagging.Apply(factstore.Event{Type: factstore.EventFactAppended, Fact: f2})

	assert.Equal(t, 1, lagging.Rebuilds())
	assert.True(t, lagging.State().Same(ix.State()))

	// Replaying an already indexed fact is ignored.
	lagging.Apply(factstore.Event{Type: factstore.EventFactAppended, Fact: f2})
	assert.Equal(t, 1, lagging.Rebuilds())
}

func TestVerifyRepairsDivergence(t *testing.T) {
	s, ix := newTestIndex(t, Config{})
	appendFact(t, s, obs("alpha beta", nil, "x"))
	appendFact(t, s, obs("beta gamma", nil, "x"))
	assert.False(t, ix.Verify())

	ix.mu.Lock()
	ix.st.Themes["x"] = ix.st.Themes["x"][:1]
	ix.mu.Unlock()

	assert.True(t, ix.Verify())
	assert.Equal(t, 2, ix.Themes()["x"])
}

func TestThemeSummariesAndSummary(t *testing.T) {
	s, ix := newTestIndex(t, Config{})
	appendFact(t, s, obs("would be nice to have dark mode", nil, "feature_request"))
	appendFact(t, s, obs("can we add SAML", nil, "feature_request"))
	appendFact(t, s, obs("export is broken", nil, "customer_issue"))
	appendFact(t, s, &types.FactDraft{Kind: types.KindDecision, Source: "council", Body: "ship it", Rationale: "ok"})

	sums := ix.ThemeSummaries(3)
	require.Len(t, sums, 2)
	assert.Equal(t, "feature_request", sums[0].Theme)
	assert.Equal(t, 2, sums[0].Count)
	assert.Equal(t, []string{"can we add SAML", "would be nice to have dark mode"}, sums[0].Examples)

	sum := ix.Summary()
	assert.Equal(t, 4, sum.Facts)
	assert.Equal(t, 3, sum.ByKind[types.KindObservation])
	assert.Equal(t, 1, sum.BySource["council"])
	require.Len(t, sum.TopThemes, 2)
	assert.False(t, sum.LastFactAt.IsZero())

	assert.Empty(t, sum.AtRisk)

	ctx := context.Background()
	for name, tickets := range map[string]string{"Acme": "4", "Initech": "1", "Globex": "3"} {
		e, err := s.RegisterEntity(ctx, types.EntityDraft{Name: name})
		require.NoError(t, err)
		_, err = s.UpdateEntity(ctx, e.ID, factstore.EntityUpdate{Attributes: map[string]string{types.AttrRecentTickets: tickets}})
		require.NoError(t, err)
	}
	sum = ix.Summary()
	require.Len(t, sum.AtRisk, 2)
	assert.Equal(t, "Acme", sum.AtRisk[0].Name)
	assert.Equal(t, 4, sum.AtRisk[0].RecentTickets)
	assert.Equal(t, types.SentimentFrustrated, sum.AtRisk[0].Sentiment)
	assert.NotEmpty(t, sum.AtRisk[0].LastContact)
	assert.Equal(t, "Globex", sum.AtRisk[1].Name)

	recent := ix.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, types.FactID(4), recent[0].ID)
}

func TestRelevantContext(t *testing.T) {
	s, ix := newTestIndex(t, Config{})
	ctx := context.Background()
	acme, err := s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme"})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		appendFact(t, s, obs(fmt.Sprintf("unrelated chatter %d", i), nil))
	}
	inc := appendFact(t, s, &types.FactDraft{Kind: types.KindIncident, Source: "zendesk", Body: "Acme sync broken", Subjects: []types.EntityID{acme.ID}})
	beta := appendFact(t, s, obs("beta feedback is mixed", nil, "beta"))
	old := appendFact(t, s, obs("beta date set for May", nil))
	d := obs("beta date moved to June", nil)
	d.Supersedes = old
	appendFact(t, s, d)

	got := ix.RelevantContext("Should we delay the beta?", acme.ID, 4)
	require.Len(t, got, 4)
	ids := make(map[types.FactID]bool)
	for i, f := range got {
		ids[f.ID] = true
		assert.Zero(t, f.SupersededBy)
		if i > 0 {
			assert.Greater(t, f.ID, got[i-1].ID)
		}
	}
	assert.True(t, ids[inc], "scope incidents come first")
	assert.True(t, ids[beta], "text matches are included")
	assert.False(t, ids[old], "superseded facts are skipped")

	assert.Empty(t, ix.RelevantContext("anything", "", 0))
}
