package factstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/scrypster/conclave/internal/storage"
	"github.com/scrypster/conclave/internal/storage/jsonfile"
	"github.com/scrypster/conclave/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T) (*Store, *storage.MemoryBackend) {
	t.Helper()
	backend := storage.NewMemoryBackend()
	s, err := Open(context.Background(), backend, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, backend
}

func draft(body string, tags ...string) *types.FactDraft {
	return &types.FactDraft{
		Kind:   types.KindObservation,
		Source: "slack:#support",
		Body:   body,
		Tags:   tags,
	}
}

func TestAppendAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, draft("  Acme onboarding stalled  ", "Onboarding", "onboarding"))
	require.NoError(t, err)
	assert.Equal(t, types.FactID(1), id)

	f, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Acme onboarding stalled", f.Body)
	assert.Equal(t, []string{"onboarding"}, f.Tags)
	assert.False(t, f.Timestamp.IsZero())
	assert.Equal(t, f.Timestamp, f.OccurredAt)

	_, err = s.Get(99)
	assert.True(t, types.IsNotFound(err))
}

func TestAppendValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		draft *types.FactDraft
	}{
		{"missing body", &types.FactDraft{Kind: types.KindObservation, Source: "s"}},
		{"missing source", &types.FactDraft{Kind: types.KindObservation, Body: "b"}},
		{"bad kind", &types.FactDraft{Kind: "rumor", Source: "s", Body: "b"}},
		{"unknown subject", &types.FactDraft{Kind: types.KindObservation, Source: "s", Body: "b", Subjects: []types.EntityID{"customer:nobody"}}},
		{"supersedes unknown", &types.FactDraft{Kind: types.KindObservation, Source: "s", Body: "b", Supersedes: 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Append(ctx, tt.draft)
			assert.True(t, types.IsValidation(err), "got %v", err)
		})
	}
	assert.Zero(t, s.View().Len(), "rejected drafts must not change state")
}

func TestConcurrentAppendsAreUniqueAndOrdered(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	const writers, perWriter = 8, 25
	var (
		mu  sync.Mutex
		ids []types.FactID
		wg  sync.WaitGroup
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id, err := s.Append(ctx, draft("concurrent"))
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids = append(ids, id)
				mu.Unlock()
			}
		}()
	}

	// Readers run alongside and must always see a gap-free prefix.
	stop := make(chan struct{})
	var rwg sync.WaitGroup
	rwg.Add(1)
	go func() {
		defer rwg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			v := s.View()
			for i, f := range v.Facts() {
				if f.ID != types.FactID(i+1) {
					t.Errorf("view has gap: index %d holds fact %d", i, f.ID)
					return
				}
			}
		}
	}()

	wg.Wait()
	close(stop)
	rwg.Wait()

	require.Len(t, ids, writers*perWriter)
	seen := make(map[types.FactID]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	facts := s.View().Facts()
	for i := 1; i < len(facts); i++ {
		assert.Greater(t, facts[i].ID, facts[i-1].ID)
		assert.False(t, facts[i].Timestamp.Before(facts[i-1].Timestamp))
	}
}

func TestTimestampsNeverGoBackwards(t *testing.T) {
	backend := storage.NewMemoryBackend()
	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s, err := Open(context.Background(), backend, Config{Clock: func() time.Time { return clock }})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append(context.Background(), draft("first"))
	require.NoError(t, err)
	clock = clock.Add(-time.Hour)
	_, err = s.Append(context.Background(), draft("second"))
	require.NoError(t, err)

	f1, _ := s.Get(1)
	f2, _ := s.Get(2)
	assert.Equal(t, f1.Timestamp, f2.Timestamp)
}

func TestFailedCommitIsInvisible(t *testing.T) {
	s, backend := newTestStore(t)
	var events []Event
	s.Subscribe(func(ev Event) { events = append(events, ev) })

	backend.FailNext = assert.AnError
	_, err := s.Append(context.Background(), draft("lost"))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, s.View().Len())
	assert.Empty(t, events)

	id, err := s.Append(context.Background(), draft("kept"))
	require.NoError(t, err)
	assert.Equal(t, types.FactID(1), id, "failed append must not consume an id")
}

func TestAppendTimeout(t *testing.T) {
	backend := storage.NewMemoryBackend()
	s, err := Open(context.Background(), backend, Config{AppendTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.sem.Acquire(context.Background(), 1))
	_, err = s.Append(context.Background(), draft("blocked"))
	s.sem.Release(1)
	assert.ErrorIs(t, err, ErrAppendTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.sem.Acquire(context.Background(), 1))
	_, err = s.Append(ctx, draft("cancelled"))
	s.sem.Release(1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSupersede(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	old, err := s.Append(ctx, &types.FactDraft{Kind: types.KindIncident, Source: "zendesk", Body: "Acme SSO down", Severity: types.SeverityHigh})
	require.NoError(t, err)
	before := s.View()

	fix, err := s.Append(ctx, draft("Acme SSO restored"))
	require.NoError(t, err)

	assert.True(t, types.IsValidation(s.MarkSuperseded(ctx, fix, old)), "older fact cannot supersede newer")
	assert.True(t, types.IsNotFound(s.MarkSuperseded(ctx, old, 77)))

	require.NoError(t, s.MarkSuperseded(ctx, old, fix))
	require.NoError(t, s.MarkSuperseded(ctx, old, fix), "repeating the same link is a no-op")

	f, err := s.Get(old)
	require.NoError(t, err)
	assert.Equal(t, fix, f.SupersededBy)

	prev, err := before.Get(old)
	require.NoError(t, err)
	assert.Zero(t, prev.SupersededBy, "published facts never mutate")

	third, err := s.Append(ctx, draft("another"))
	require.NoError(t, err)
	assert.True(t, types.IsValidation(s.MarkSuperseded(ctx, old, third)), "links are set once")

	live := s.List(ListFilter{ExcludeSuperseded: true})
	assert.Len(t, live, 2)
}

func TestAppendWithSupersedesLinksAtomically(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	old, err := s.Append(ctx, draft("price is $10"))
	require.NoError(t, err)
	d := draft("price is $12")
	d.Supersedes = old
	fix, err := s.Append(ctx, d)
	require.NoError(t, err)

	f, _ := s.Get(old)
	assert.Equal(t, fix, f.SupersededBy)

	d2 := draft("price is $15")
	d2.Supersedes = old
	_, err = s.Append(ctx, d2)
	assert.True(t, types.IsValidation(err))
}

func TestListFilters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	acme, err := s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme Corp"})
	require.NoError(t, err)

	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	add := func(kind types.FactKind, source string, at time.Time, subject bool, tags ...string) {
		d := &types.FactDraft{Kind: kind, Source: source, Body: "b", OccurredAt: at, Tags: tags}
		if subject {
			d.Subjects = []types.EntityID{acme.ID}
		}
		_, err := s.Append(ctx, d)
		require.NoError(t, err)
	}
	add(types.KindObservation, "slack", base, true, "onboarding")
	add(types.KindIncident, "zendesk", base.Add(time.Hour), true, "customer_issue")
	add(types.KindObservation, "slack", base.Add(2*time.Hour), false, "onboarding")
	add(types.KindDecision, "council", base.Add(3*time.Hour), true)

	assert.Len(t, s.List(ListFilter{}), 4)
	assert.Len(t, s.List(ListFilter{Kind: types.KindObservation}), 2)
	assert.Len(t, s.List(ListFilter{Entity: acme.ID}), 3)
	assert.Len(t, s.List(ListFilter{Entity: acme.ID, Theme: "onboarding"}), 1)
	assert.Len(t, s.List(ListFilter{Source: "slack"}), 2)
	assert.Len(t, s.List(ListFilter{Since: base.Add(time.Hour), Until: base.Add(3 * time.Hour)}), 2)
	assert.Empty(t, s.List(ListFilter{Theme: "pricing"}))
	assert.NotNil(t, s.List(ListFilter{Theme: "pricing"}))

	newest := s.List(ListFilter{NewestFirst: true, Limit: 2})
	require.Len(t, newest, 2)
	assert.Equal(t, types.FactID(4), newest[0].ID)
	assert.Equal(t, types.FactID(3), newest[1].ID)
}

func TestNewSubjectsCreateEntitiesWithProvenance(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	d := draft("Globex wants SSO")
	d.NewSubjects = []types.EntityDraft{{Name: "Globex", Aliases: []string{"Globex Inc"}}}
	f, created, err := s.AppendFact(ctx, d)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, types.EntityID("customer:globex"), created[0].ID)
	assert.Equal(t, f.ID, created[0].Provenance)
	assert.Equal(t, []types.EntityID{"customer:globex"}, f.Subjects)

	// A second draft naming a known alias resolves instead of creating.
	d2 := draft("Globex renewal")
	d2.NewSubjects = []types.EntityDraft{{Name: "globex inc"}}
	f2, created2, err := s.AppendFact(ctx, d2)
	require.NoError(t, err)
	assert.Empty(t, created2)
	assert.Equal(t, []types.EntityID{"customer:globex"}, f2.Subjects)
}

func TestRegisterEntityRejectsAliasConflicts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme Corp", Aliases: []string{"Acme"}})
	require.NoError(t, err)

	_, err = s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme Corp"})
	assert.True(t, types.IsValidation(err))

	_, err = s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme Holdings", Aliases: []string{"ACME"}})
	assert.True(t, types.IsValidation(err))

	other, err := s.RegisterEntity(ctx, types.EntityDraft{Name: "Initech", Kind: types.EntityProject})
	require.NoError(t, err)
	assert.Equal(t, types.EntityID("project:initech"), other.ID)

	_, err = s.UpdateEntity(ctx, other.ID, EntityUpdate{Aliases: []string{"acme"}})
	assert.True(t, types.IsValidation(err))

	e, err := s.UpdateEntity(ctx, other.ID, EntityUpdate{Aliases: []string{"Initech Rollout", "initech rollout"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Initech Rollout"}, e.Aliases)

	got, err := s.ResolveEntity("INITECH   rollout")
	require.NoError(t, err)
	assert.Equal(t, other.ID, got.ID)

	_, err = s.ResolveEntity("Umbrella")
	assert.True(t, types.IsNotFound(err))
}

func TestUpdateEntityAttributes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	e, err := s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme", Attributes: map[string]string{"tier": "smb", "region": "eu"}})
	require.NoError(t, err)

	e, err = s.UpdateEntity(ctx, e.ID, EntityUpdate{Attributes: map[string]string{"tier": "enterprise", "region": ""}})
	require.NoError(t, err)
	assert.Equal(t, "enterprise", e.Attributes["tier"])
	assert.NotContains(t, e.Attributes, "region")
	assert.Equal(t, e.UpdatedAt.Format(time.DateOnly), e.Attributes[types.AttrLastContact])

	_, err = s.UpdateEntity(ctx, e.ID, EntityUpdate{})
	assert.True(t, types.IsValidation(err))
	_, err = s.UpdateEntity(ctx, "customer:umbrella", EntityUpdate{Aliases: []string{"Umbrella Corp"}})
	assert.True(t, types.IsNotFound(err))
}

func TestUpdateEntitySentimentFromTickets(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	e, err := s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme"})
	require.NoError(t, err)

	tests := []struct {
		attrs map[string]string
		want  string
	}{
		{map[string]string{types.AttrRecentTickets: "1"}, types.SentimentNeutral},
		{map[string]string{types.AttrRecentTickets: "2"}, types.SentimentConcerned},
		{map[string]string{types.AttrRecentTickets: "5"}, types.SentimentFrustrated},
		{map[string]string{types.AttrRecentTickets: "5", types.AttrSentiment: "calm"}, "calm"},
	}
	for _, tt := range tests {
		got, err := s.UpdateEntity(ctx, e.ID, EntityUpdate{Attributes: tt.attrs})
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.Attributes[types.AttrSentiment], tt.attrs)
	}

	_, err = s.UpdateEntity(ctx, e.ID, EntityUpdate{Attributes: map[string]string{types.AttrRecentTickets: "many"}})
	assert.True(t, types.IsValidation(err))
}

func TestMergeEntities(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	acme, err := s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme Corp", Attributes: map[string]string{"tier": "enterprise"}})
	require.NoError(t, err)
	dup, err := s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme Corporation", Aliases: []string{"ACME Co"}, Attributes: map[string]string{"tier": "smb", "csm": "dana"}})
	require.NoError(t, err)
	third, err := s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme Labs"})
	require.NoError(t, err)

	_, err = s.Append(ctx, &types.FactDraft{Kind: types.KindObservation, Source: "s", Body: "dup fact", Subjects: []types.EntityID{dup.ID}})
	require.NoError(t, err)

	// third -> dup, then dup -> acme: third must resolve straight to acme.
	_, err = s.MergeEntities(ctx, third.ID, dup.ID, "same company")
	require.NoError(t, err)
	merged, err := s.MergeEntities(ctx, dup.ID, acme.ID, "same company")
	require.NoError(t, err)

	assert.Equal(t, acme.ID, merged.ID)
	assert.Contains(t, merged.Aliases, "Acme Corporation")
	assert.Contains(t, merged.Aliases, "ACME Co")
	assert.Contains(t, merged.Aliases, string(dup.ID))
	assert.Contains(t, merged.Aliases, "Acme Labs")
	assert.Equal(t, "enterprise", merged.Attributes["tier"])
	assert.Equal(t, "dana", merged.Attributes["csm"])

	assert.Equal(t, acme.ID, s.Canonical(third.ID))
	assert.Equal(t, acme.ID, s.View().parent[third.ID], "merge pointers are compressed")

	got, err := s.Entity(dup.ID)
	require.NoError(t, err)
	assert.Equal(t, acme.ID, got.ID)

	rec, ok := s.View().EntityRecord(dup.ID)
	require.True(t, ok)
	assert.Equal(t, acme.ID, rec.MergedInto, "merged entities keep their record")

	assert.Len(t, s.List(ListFilter{Entity: acme.ID}), 1, "facts follow the merge")
	assert.Len(t, s.Entities(), 1)
	assert.Len(t, s.View().Merges(), 2)

	_, err = s.MergeEntities(ctx, dup.ID, acme.ID, "again")
	assert.True(t, types.IsValidation(err))

	// Aliases stay disjoint across live entities.
	owners := make(map[string]types.EntityID)
	for k, id := range s.View().aliases {
		owners[k] = id
		e, err := s.Entity(id)
		require.NoError(t, err)
		assert.True(t, e.Live())
		assert.Equal(t, id, e.ID)
	}
	assert.NotEmpty(t, owners)
}

func TestRecordSession(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	open := &types.CouncilSession{ID: "s1", State: types.SessionMerging}
	assert.True(t, types.IsValidation(s.RecordSession(ctx, open)))

	done := &types.CouncilSession{ID: "s1", Question: "q", State: types.SessionComplete, StartedAt: time.Now()}
	require.NoError(t, s.RecordSession(ctx, done))
	assert.True(t, types.IsValidation(s.RecordSession(ctx, done)))

	done.Question = "mutated after recording"
	got, err := s.Session("s1")
	require.NoError(t, err)
	assert.Equal(t, "q", got.Question)

	require.NoError(t, s.RecordSession(ctx, &types.CouncilSession{ID: "s2", State: types.SessionFailed, FailureReason: types.FailureNoQuorum}))
	recent := s.Sessions(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "s2", recent[0].ID)

	_, err = s.Session("nope")
	assert.True(t, types.IsNotFound(err))
}

func TestEventsArriveInCommitOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var got []EventType
	unsub := s.Subscribe(func(ev Event) { got = append(got, ev.Type) })

	d := draft("Hooli onboarding")
	d.NewSubjects = []types.EntityDraft{{Name: "Hooli"}}
	_, err := s.Append(ctx, d)
	require.NoError(t, err)
	d2 := draft("Hooli onboarding done")
	d2.Supersedes = 1
	_, err = s.Append(ctx, d2)
	require.NoError(t, err)

	unsub()
	_, err = s.Append(ctx, draft("unseen"))
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventEntityCreated, EventFactAppended,
		EventFactAppended, EventFactSuperseded,
	}, got)
}

func TestReopenFromJSONFile(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	backend, err := jsonfile.Open(jsonfile.Config{Dir: dir})
	require.NoError(t, err)
	s, err := Open(ctx, backend, Config{})
	require.NoError(t, err)

	d := draft("Acme asked for SAML")
	d.NewSubjects = []types.EntityDraft{{Name: "Acme"}}
	_, err = s.Append(ctx, d)
	require.NoError(t, err)
	_, err = s.Append(ctx, draft("follow-up"))
	require.NoError(t, err)
	require.NoError(t, s.MarkSuperseded(ctx, 1, 2))
	_, err = s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme Inc"})
	require.NoError(t, err)
	_, err = s.MergeEntities(ctx, "customer:acme-inc", "customer:acme", "dup")
	require.NoError(t, err)
	before := s.Export()
	require.NoError(t, s.Close())

	backend2, err := jsonfile.Open(jsonfile.Config{Dir: dir})
	require.NoError(t, err)
	s2, err := Open(ctx, backend2, Config{})
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, before, s2.Export())
	f, err := s2.Get(1)
	require.NoError(t, err)
	assert.Equal(t, types.FactID(2), f.SupersededBy)
	assert.Equal(t, types.EntityID("customer:acme"), s2.Canonical("customer:acme-inc"))

	id, err := s2.Append(ctx, draft("after reopen"))
	require.NoError(t, err)
	assert.Equal(t, types.FactID(3), id)
}

func TestWritesAfterClose(t *testing.T) {
	s, err := Open(context.Background(), storage.NewMemoryBackend(), Config{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Append(context.Background(), draft("late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMatchEntity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.RegisterEntity(ctx, types.EntityDraft{Name: "Acme Corporation", Aliases: []string{"Acme"}})
	require.NoError(t, err)
	_, err = s.RegisterEntity(ctx, types.EntityDraft{Name: "Globex"})
	require.NoError(t, err)

	v := s.View()
	m, ok := v.MatchEntity("ACME", DefaultMatchThreshold)
	require.True(t, ok)
	assert.Equal(t, 1.0, m.Score)

	m, ok = v.MatchEntity("Acme Corporaton", DefaultMatchThreshold)
	require.True(t, ok)
	assert.Equal(t, types.EntityID("customer:acme-corporation"), m.Entity.ID)
	assert.Less(t, m.Score, 1.0)

	_, ok = v.MatchEntity("Initech", DefaultMatchThreshold)
	assert.False(t, ok)
	_, ok = v.MatchEntity("  ", DefaultMatchThreshold)
	assert.False(t, ok)
}
