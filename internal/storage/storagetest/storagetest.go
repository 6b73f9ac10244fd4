// Package storagetest holds the behavioural checks every storage.Backend must
// pass. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/conclave/internal/storage"
	"github.com/scrypster/conclave/pkg/types"
)

// Factory opens a backend. reopen=true must return a backend over the same
// underlying data as the previous call in the same test.
type Factory func(t *testing.T, reopen bool) storage.Backend

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func fact(id types.FactID, body string, subjects ...types.EntityID) *types.Fact {
	return &types.Fact{
		ID:        id,
		Kind:      types.KindObservation,
		Timestamp: base.Add(time.Duration(id) * time.Minute),
		Source:    "slack:#support",
		Subjects:  subjects,
		Body:      body,
		Tags:      []string{"customer_issue"},
	}
}

// Run executes the conformance suite.
func Run(t *testing.T, open Factory) {
	t.Run("EmptyLoad", func(t *testing.T) {
		b := open(t, false)
		snap, err := b.Load(context.Background())
		require.NoError(t, err)
		assert.Empty(t, snap.Facts)
		assert.Empty(t, snap.Entities)
		assert.Empty(t, snap.Merges)
		assert.Empty(t, snap.Sessions)
	})

	t.Run("RoundTripAcrossReopen", func(t *testing.T) {
		ctx := context.Background()
		b := open(t, false)

		acme := &types.Entity{
			ID:         "customer:acme",
			Kind:       types.EntityCustomer,
			Name:       "Acme",
			Aliases:    []string{"acme inc"},
			Attributes: map[string]string{"tier": "enterprise"},
			Provenance: 1,
			CreatedAt:  base,
			UpdatedAt:  base,
		}
		require.NoError(t, b.Commit(ctx, &storage.Batch{
			Fact:     fact(1, "Acme cannot log in", acme.ID),
			Entities: []*types.Entity{acme},
		}))
		require.NoError(t, b.Commit(ctx, &storage.Batch{Fact: fact(2, "Acme login fixed", acme.ID)}))
		require.NoError(t, b.Commit(ctx, &storage.Batch{Supersede: &storage.Supersede{Old: 1, New: 2}}))

		globex := &types.Entity{ID: "customer:globex", Kind: types.EntityCustomer, Name: "Globex", CreatedAt: base, UpdatedAt: base}
		require.NoError(t, b.Commit(ctx, &storage.Batch{Entities: []*types.Entity{globex}}))

		merged := acme.Clone()
		merged.Aliases = append(merged.Aliases, "globex", "customer:globex")
		loser := globex.Clone()
		loser.MergedInto = acme.ID
		require.NoError(t, b.Commit(ctx, &storage.Batch{
			Entities: []*types.Entity{merged, loser},
			Merge:    &types.EntityMerge{Loser: globex.ID, Survivor: acme.ID, Reason: "same company", At: base},
		}))

		sess := &types.CouncilSession{
			ID:                "sess-1",
			Question:          "Prioritize Acme?",
			State:             types.SessionComplete,
			Context:           []types.FactID{2},
			Opinions:          []types.VoiceOpinion{{Voice: "support", Stance: "yes", Confidence: 0.8, Citations: []types.FactID{2}}},
			Abstentions:       []types.Abstention{{Voice: "gtm", Reason: types.AbstainTimeout}},
			Recommendation:    "yes",
			DisagreementScore: 0,
			StartedAt:         base,
			CompletedAt:       base.Add(time.Second),
		}
		require.NoError(t, b.Commit(ctx, &storage.Batch{Session: sess}))
		require.NoError(t, b.Close())

		b2 := open(t, true)
		snap, err := b2.Load(ctx)
		require.NoError(t, err)

		require.Len(t, snap.Facts, 2)
		assert.Equal(t, types.FactID(1), snap.Facts[0].ID)
		assert.Equal(t, types.FactID(2), snap.Facts[0].SupersededBy)
		assert.Equal(t, types.FactID(0), snap.Facts[1].SupersededBy)
		assert.Equal(t, []types.EntityID{"customer:acme"}, snap.Facts[0].Subjects)
		assert.True(t, snap.Facts[0].Timestamp.Equal(base.Add(time.Minute)))

		require.Len(t, snap.Entities, 2)
		assert.Equal(t, types.EntityID("customer:acme"), snap.Entities[0].ID)
		assert.Contains(t, snap.Entities[0].Aliases, "globex")
		assert.Equal(t, "enterprise", snap.Entities[0].Attributes["tier"])
		assert.Equal(t, types.EntityID("customer:acme"), snap.Entities[1].MergedInto)

		require.Len(t, snap.Merges, 1)
		assert.Equal(t, "same company", snap.Merges[0].Reason)

		require.Len(t, snap.Sessions, 1)
		assert.Equal(t, "yes", snap.Sessions[0].Recommendation)
		assert.Equal(t, types.AbstainTimeout, snap.Sessions[0].Abstentions[0].Reason)
	})

	t.Run("CommitAfterClose", func(t *testing.T) {
		b := open(t, false)
		require.NoError(t, b.Close())
		err := b.Commit(context.Background(), &storage.Batch{Fact: fact(1, "late")})
		assert.ErrorIs(t, err, storage.ErrClosed)
	})
}
