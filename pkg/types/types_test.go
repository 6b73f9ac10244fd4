package types_test

import (
	"testing"

	"github.com/scrypster/conclave/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFactKind(t *testing.T) {
	k, err := types.ParseFactKind("  Incident ")
	require.NoError(t, err)
	assert.Equal(t, types.KindIncident, k)

	_, err = types.ParseFactKind("rumor")
	assert.True(t, types.IsValidation(err))
}

func TestFactDraftValidate(t *testing.T) {
	tests := []struct {
		name  string
		draft types.FactDraft
		ok    bool
	}{
		{"valid observation", types.FactDraft{Kind: types.KindObservation, Source: "slack", Body: "hi"}, true},
		{"missing source", types.FactDraft{Kind: types.KindObservation, Body: "hi"}, false},
		{"blank body", types.FactDraft{Kind: types.KindObservation, Source: "s", Body: "   "}, false},
		{"bad kind", types.FactDraft{Kind: "nope", Source: "s", Body: "b"}, false},
		{"severity on observation", types.FactDraft{Kind: types.KindObservation, Source: "s", Body: "b", Severity: types.SeverityHigh}, false},
		{"severity on incident", types.FactDraft{Kind: types.KindIncident, Source: "s", Body: "b", Severity: types.SeverityHigh}, true},
		{"rationale on incident", types.FactDraft{Kind: types.KindIncident, Source: "s", Body: "b", Rationale: "why"}, false},
		{"rationale on decision", types.FactDraft{Kind: types.KindDecision, Source: "s", Body: "b", Rationale: "why"}, true},
		{"bad new subject", types.FactDraft{Kind: types.KindObservation, Source: "s", Body: "b", NewSubjects: []types.EntityDraft{{Name: "!!"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.draft.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, types.IsValidation(err), "expected validation error, got %v", err)
			}
		})
	}
}

func TestEntityIDs(t *testing.T) {
	assert.Equal(t, types.EntityID("customer:acme-corp"), types.NewEntityID(types.EntityCustomer, "Acme Corp."))
	assert.Equal(t, types.EntityProject, types.EntityID("project:atlas").Kind())

	d := types.EntityDraft{Name: "Globex"}
	assert.Equal(t, types.EntityID("customer:globex"), d.ID())
}

func TestNormalizeTags(t *testing.T) {
	assert.Equal(t, []string{"billing", "outage"}, types.NormalizeTags([]string{" Outage", "billing", "outage", ""}))
	assert.Nil(t, types.NormalizeTags([]string{" "}))
}

func TestSessionClone(t *testing.T) {
	s := &types.CouncilSession{
		ID:       "s1",
		Context:  []types.FactID{1, 2},
		Opinions: []types.VoiceOpinion{{Voice: "support", Citations: []types.FactID{1}}},
	}
	c := s.Clone()
	c.Opinions[0].Citations[0] = 9
	c.Context[0] = 7
	assert.Equal(t, types.FactID(1), s.Opinions[0].Citations[0])
	assert.Equal(t, types.FactID(1), s.Context[0])
	assert.True(t, types.SessionFailed.Terminal())
	assert.False(t, types.SessionMerging.Terminal())
}
